package sheets

import (
	"fmt"
	"strconv"
	"strings"
)

// ColumnLetter converts a 1-based column index to its A1 letters (1 -> A, 27 -> AA).
func ColumnLetter(col int) string {
	if col < 1 {
		return ""
	}
	var b []byte
	for col > 0 {
		col--
		b = append([]byte{byte('A' + col%26)}, b...)
		col /= 26
	}
	return string(b)
}

// ColumnNumber converts A1 column letters to a 1-based index.
func ColumnNumber(letters string) (int, error) {
	letters = strings.ToUpper(strings.TrimSpace(letters))
	if letters == "" {
		return 0, fmt.Errorf("empty column")
	}
	n := 0
	for _, r := range letters {
		if r < 'A' || r > 'Z' {
			return 0, fmt.Errorf("invalid column %q", letters)
		}
		n = n*26 + int(r-'A'+1)
	}
	return n, nil
}

// CellRef builds an A1 reference such as "C4".
func CellRef(col, row int) string {
	return ColumnLetter(col) + strconv.Itoa(row)
}

// ParseCellRef splits an A1 reference into 1-based column and row.
func ParseCellRef(ref string) (col, row int, err error) {
	ref = strings.TrimSpace(ref)
	i := strings.IndexFunc(ref, func(r rune) bool { return r >= '0' && r <= '9' })
	if i <= 0 {
		return 0, 0, fmt.Errorf("invalid cell reference %q", ref)
	}
	col, err = ColumnNumber(ref[:i])
	if err != nil {
		return 0, 0, err
	}
	row, err = strconv.Atoi(ref[i:])
	if err != nil || row < 1 {
		return 0, 0, fmt.Errorf("invalid cell reference %q", ref)
	}
	return col, row, nil
}

// ParseRange splits "A4:M4" into its corner cells. A single cell is its own range.
func ParseRange(rng string) (col1, row1, col2, row2 int, err error) {
	from, to, found := strings.Cut(rng, ":")
	if col1, row1, err = ParseCellRef(from); err != nil {
		return
	}
	if !found {
		return col1, row1, col1, row1, nil
	}
	if col2, row2, err = ParseCellRef(to); err != nil {
		return
	}
	if col2 < col1 || row2 < row1 {
		err = fmt.Errorf("invalid range %q", rng)
	}
	return
}
