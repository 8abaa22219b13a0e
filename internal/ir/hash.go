package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content digests.
// Version suffix enables future algorithm migration.
const (
	DomainSequence = "chronoctx/sequence/v1"
	DomainMessage  = "chronoctx/message/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte (0x00) separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// messageObject builds the hashed form of a message. Index is positional and
// therefore implied by array order, so it is excluded.
func messageObject(m Message) IRObject {
	obj := IRObject{
		"id":      IRString(m.ID),
		"content": m.Content,
	}
	if len(m.Metadata) > 0 {
		obj["metadata"] = m.Metadata
	}
	return obj
}

// MessagesValue converts a sequence into its stored and hashed array form.
func MessagesValue(msgs []Message) IRArray {
	arr := make(IRArray, len(msgs))
	for i, m := range msgs {
		arr[i] = messageObject(m)
	}
	return arr
}

// SequenceDigest computes the content digest of a full message sequence.
// Two versions with equal digests hold identical sequences.
func SequenceDigest(msgs []Message) (string, error) {
	canonical, err := MarshalCanonical(MessagesValue(msgs))
	if err != nil {
		return "", fmt.Errorf("SequenceDigest: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainSequence, canonical), nil
}

// MessageDigest computes the content digest of one message.
func MessageDigest(m Message) (string, error) {
	canonical, err := MarshalCanonical(messageObject(m))
	if err != nil {
		return "", fmt.Errorf("MessageDigest: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainMessage, canonical), nil
}

// MustSequenceDigest is like SequenceDigest but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustSequenceDigest(msgs []Message) string {
	d, err := SequenceDigest(msgs)
	if err != nil {
		panic(err)
	}
	return d
}
