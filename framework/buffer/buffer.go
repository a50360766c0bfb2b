/*
afterq - a framework for after-queue mail content filters.
Copyright © 2023 afterq contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package buffer provides storage for the message body byte range.
//
// The body of a processed message is treated as an opaque blob: pipeline
// stages may read it but the framework never re-parses or re-encodes it.
// The Buffer abstraction keeps that contract explicit.
package buffer

import (
	"io"
)

// Buffer is abstract storage for a blob.
//
// The stored blob is assumed to be immutable. If any modifications are to
// be made - a new Buffer should be created for the modified copy.
type Buffer interface {
	// Open creates a new Reader reading from the underlying storage.
	Open() (io.ReadCloser, error)

	// Len reports the length of the stored blob.
	//
	// It indicates the amount of bytes that can be read from a
	// newly created Reader without hitting io.EOF.
	Len() int
}

// BufferInMemory is a convenience function which creates a MemoryBuffer
// with the contents of the passed io.Reader.
func BufferInMemory(r io.Reader) (Buffer, error) {
	blob, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return MemoryBuffer{Slice: blob}, nil
}
