// Package p2psync implements the WebRTC P2P alternative transport: sync
// code generation and room naming, encrypted signalling, peer/awareness
// tracking, and a side-channel file-transfer protocol with a user-supplied
// conflict resolver.
package p2psync

import (
	"crypto/rand"
	"fmt"
	"strings"
)

const syncCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateSyncCode returns a sync code of the form "XXXXXXXX-XXXXXXXX":
// two 8-character uppercase alphanumeric groups drawn from a CSPRNG.
func GenerateSyncCode() (string, error) {
	first, err := randomGroup(8)
	if err != nil {
		return "", err
	}
	second, err := randomGroup(8)
	if err != nil {
		return "", err
	}
	return first + "-" + second, nil
}

func randomGroup(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate sync code group: %w", err)
	}
	var sb strings.Builder
	sb.Grow(n)
	for _, b := range buf {
		sb.WriteByte(syncCodeAlphabet[int(b)%len(syncCodeAlphabet)])
	}
	return sb.String(), nil
}

// RoomName derives the WebRTC signalling room from a sync code and a
// document name: "{syncCode}:{docName}".
func RoomName(syncCode, docName string) string {
	return syncCode + ":" + docName
}
