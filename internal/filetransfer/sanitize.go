package filetransfer

import (
	"path"
	"strings"
	"unicode"
)

const reservedChars = `<>:"/\|?*`

// SanitizeName reduces a remote file name to a safe base name.
func SanitizeName(name string) (string, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	name = path.Base(name)
	if name == "/" || name == "." || name == ".." {
		return "", ErrUnsafeName
	}
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || strings.ContainsRune(reservedChars, r) {
			return '_'
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return "", ErrUnsafeName
	}
	return name, nil
}
