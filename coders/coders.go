// Licensed to the Apache Software Foundation (ASF) under one or more
// contributor license agreements.  See the NOTICE file distributed with
// this work for additional information regarding copyright ownership.
// The ASF licenses this file to You under the Apache License, Version 2.0
// (the "License"); you may not use this file except in compliance with
// the License.  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package coders converts typed values to and from the opaque bytes the
// state and timer services traffic in. Coders are self-delimiting so that a
// sequence of values survives being concatenated into one payload, which is
// how bag state accumulates appends.
package coders

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// Coder encodes and decodes values of a single type. Decode must consume
// exactly the bytes Encode produced so values can be streamed back to back.
type Coder[T any] interface {
	Encode(w io.Writer, v T) error
	Decode(r io.Reader) (T, error)
}

// EncodeToBytes encodes a single value to a fresh byte slice.
func EncodeToBytes[T any](c Coder[T], v T) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.Encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeFromBytes decodes a single value from the given bytes.
func DecodeFromBytes[T any](c Coder[T], data []byte) (T, error) {
	return c.Decode(bytes.NewReader(data))
}

// DecodeAll decodes the full concatenated sequence of values in data.
func DecodeAll[T any](c Coder[T], data []byte) ([]T, error) {
	r := bytes.NewReader(data)
	var out []T
	for r.Len() > 0 {
		v, err := c.Decode(r)
		if err != nil {
			return nil, errors.Wrap(err, "decoding element sequence")
		}
		out = append(out, v)
	}
	return out, nil
}

type stringCoder struct{}

// String returns a coder for UTF-8 strings, varint length prefixed.
func String() Coder[string] { return stringCoder{} }

func (stringCoder) Encode(w io.Writer, v string) error {
	if err := writeUvarint(w, uint64(len(v))); err != nil {
		return err
	}
	_, err := io.WriteString(w, v)
	return err
}

func (stringCoder) Decode(r io.Reader) (string, error) {
	n, err := readUvarint(r)
	if err != nil {
		return "", errors.Wrap(err, "decoding string length")
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", errors.Wrap(err, "decoding string payload")
	}
	return string(data), nil
}

type bytesCoder struct{}

// Bytes returns a coder for raw byte slices, varint length prefixed.
func Bytes() Coder[[]byte] { return bytesCoder{} }

func (bytesCoder) Encode(w io.Writer, v []byte) error {
	if err := writeUvarint(w, uint64(len(v))); err != nil {
		return err
	}
	_, err := w.Write(v)
	return err
}

func (bytesCoder) Decode(r io.Reader) ([]byte, error) {
	n, err := readUvarint(r)
	if err != nil {
		return nil, errors.Wrap(err, "decoding bytes length")
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, errors.Wrap(err, "decoding bytes payload")
	}
	return data, nil
}

type varIntCoder struct{}

// VarInt returns a coder for int64 values in zig-zag varint form.
func VarInt() Coder[int64] { return varIntCoder{} }

func (varIntCoder) Encode(w io.Writer, v int64) error {
	buf := binary.AppendVarint(nil, v)
	_, err := w.Write(buf)
	return err
}

func (varIntCoder) Decode(r io.Reader) (int64, error) {
	v, err := binary.ReadVarint(asByteReader(r))
	if err != nil {
		return 0, errors.Wrap(err, "decoding varint")
	}
	return v, nil
}

type doubleCoder struct{}

// Double returns a coder for float64 values, big-endian fixed width.
func Double() Coder[float64] { return doubleCoder{} }

func (doubleCoder) Encode(w io.Writer, v float64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
	_, err := w.Write(buf[:])
	return err
}

func (doubleCoder) Decode(r io.Reader) (float64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, errors.Wrap(err, "decoding double")
	}
	return math.Float64frombits(binary.BigEndian.Uint64(buf[:])), nil
}

func writeUvarint(w io.Writer, v uint64) error {
	buf := binary.AppendUvarint(nil, v)
	_, err := w.Write(buf)
	return err
}

func readUvarint(r io.Reader) (uint64, error) {
	return binary.ReadUvarint(asByteReader(r))
}

type byteReader struct {
	r io.Reader
}

func (b byteReader) ReadByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(b.r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func asByteReader(r io.Reader) io.ByteReader {
	if br, ok := r.(io.ByteReader); ok {
		return br
	}
	return byteReader{r: r}
}
