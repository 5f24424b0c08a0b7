/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package ipc

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Status frame layout, little endian:
//
//	0   1 byte version
//	1   4 byte payload length
//	128 payload, as long as the payload length says
//	    32 byte payload sha256 signature
//
// Writers update the payload first, then the header and the signature last,
// so readers racing a writer see a signature mismatch instead of garbage.
const (
	statusFrameHeaderSize = 128
	statusFrameVersion1   = uint8(1)
)

var (
	ErrStatusTooLarge   = errors.New("status too large for frame")
	ErrSignatureInvalid = errors.New("status signature mismatch")
)

func maxStatusPayload(frameSize int64) int64 {
	return frameSize - statusFrameHeaderSize - sha256.Size
}

func writeStatusFrame(w io.WriterAt, frameSize int64, payload []byte) error {
	if int64(len(payload)) > maxStatusPayload(frameSize) {
		return fmt.Errorf("%w: %d bytes", ErrStatusTooLarge, len(payload))
	}

	if err := writeFullAt(w, payload, statusFrameHeaderSize); err != nil {
		return fmt.Errorf("failed to write status payload: %w", err)
	}

	header := make([]byte, 5)
	header[0] = statusFrameVersion1
	binary.LittleEndian.PutUint32(header[1:], uint32(len(payload)))
	if err := writeFullAt(w, header, 0); err != nil {
		return fmt.Errorf("failed to write status header: %w", err)
	}

	signature := sha256.Sum256(payload)
	if err := writeFullAt(w, signature[:], statusFrameHeaderSize+int64(len(payload))); err != nil {
		return fmt.Errorf("failed to write status signature: %w", err)
	}

	return nil
}

func readStatusFrame(r io.ReaderAt, frameSize int64) ([]byte, error) {
	header := make([]byte, 5)
	if _, err := r.ReadAt(header, 0); err != nil {
		return nil, fmt.Errorf("failed to read status header: %w", err)
	}

	switch version := header[0]; version {
	case statusFrameVersion1:
	default:
		return nil, fmt.Errorf("unknown status header version: %v", version)
	}

	payloadSize := int64(binary.LittleEndian.Uint32(header[1:]))
	if payloadSize > maxStatusPayload(frameSize) {
		return nil, fmt.Errorf("invalid status payload size: %d", payloadSize)
	}

	data := make([]byte, payloadSize+sha256.Size)
	if _, err := r.ReadAt(data, statusFrameHeaderSize); err != nil {
		return nil, fmt.Errorf("failed to read status payload: %w", err)
	}
	payload, signature := data[:payloadSize], data[payloadSize:]

	expected := sha256.Sum256(payload)
	if !bytes.Equal(expected[:], signature) {
		return nil, ErrSignatureInvalid
	}

	return payload, nil
}

func writeFullAt(w io.WriterAt, p []byte, off int64) error {
	n, err := w.WriteAt(p, off)
	if err == nil && n != len(p) {
		err = io.ErrShortWrite
	}
	return err
}
