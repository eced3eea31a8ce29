package twofactor

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// GenerateBackupCodes produces count human-readable single-use codes. Each
// code is uppercase hex in groups of groupSize characters, e.g.
// "AB12-CD34-EF56" for groups=3, groupSize=4.
func GenerateBackupCodes(count, groups, groupSize int) ([]string, error) {
	if count <= 0 || groups <= 0 || groupSize <= 0 {
		return nil, fmt.Errorf("twofactor: invalid backup code shape (%d codes, %d groups of %d)", count, groups, groupSize)
	}

	codes := make([]string, 0, count)
	for i := 0; i < count; i++ {
		code, err := randomGrouped(groups, groupSize)
		if err != nil {
			return nil, err
		}
		codes = append(codes, strings.ToUpper(code))
	}
	return codes, nil
}

// GenerateRecoveryKey produces a long-lived recovery key as lowercase hex
// blocks, e.g. "9f3a-1c2b-77de-0a41-6b9c".
func GenerateRecoveryKey(blocks, blockSize int) (string, error) {
	if blocks <= 0 || blockSize <= 0 {
		return "", fmt.Errorf("twofactor: invalid recovery key shape (%d blocks of %d)", blocks, blockSize)
	}
	return randomGrouped(blocks, blockSize)
}

func randomGrouped(groups, groupSize int) (string, error) {
	// Each hex character carries 4 bits, so round the byte count up.
	chars := groups * groupSize
	raw := make([]byte, (chars+1)/2)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("twofactor: read random bytes: %w", err)
	}

	encoded := hex.EncodeToString(raw)[:chars]
	parts := make([]string, 0, groups)
	for i := 0; i < groups; i++ {
		parts = append(parts, encoded[i*groupSize:(i+1)*groupSize])
	}
	return strings.Join(parts, "-"), nil
}

// NormalizeCode strips separators and case so user input in any of the
// display formats compares equal to the generated value.
func NormalizeCode(code string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(code)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
