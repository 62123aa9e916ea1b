package textutil

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// HashAddress returns a display form of a bare address that keeps the
// local part but hides the domain behind a salted digest, e.g.
// "alice@3fa2c1". The local part is cut so the result fits maxWidth.
func HashAddress(addr, salt string, maxWidth int) string {
	local, domain, ok := strings.Cut(addr, "@")
	if !ok {
		local, domain = "", addr
	}

	sum := blake2b.Sum256([]byte(local + "/" + domain + salt))
	digest := hex.EncodeToString(sum[:])[:6]

	keep := maxWidth - 7
	if keep < 1 {
		keep = 1
	}
	return truncateWidth(local, keep) + "@" + digest
}

func truncateWidth(s string, max int) string {
	var b strings.Builder
	w := 0
	for _, r := range s {
		rw := Width(string(r))
		if w+rw > max {
			break
		}
		w += rw
		b.WriteRune(r)
	}
	return b.String()
}
