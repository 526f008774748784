// Package fingerprint derives stable deduplication keys for synthesis
// requests. Two requests share a key only when text, voice and synthesis
// parameters are all identical.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strconv"
)

// Params are the synthesis knobs that affect generated audio.
type Params struct {
	ModelID         string
	Stability       float64
	SimilarityBoost float64
}

// Content hashes the text alone.
func Content(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Request hashes text, voice and params with length-prefixed fields so that
// no concatenation of adjacent fields can collide with another request.
func Request(text, voiceID string, params Params) string {
	h := sha256.New()
	writeField := func(s string) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}
	writeField(text)
	writeField(voiceID)
	writeField(params.ModelID)
	writeField(strconv.FormatFloat(params.Stability, 'f', -1, 64))
	writeField(strconv.FormatFloat(params.SimilarityBoost, 'f', -1, 64))
	return hex.EncodeToString(h.Sum(nil))
}
