// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrMalformed wraps payloads that are not a JSON object. The decoder stays usable.
var ErrMalformed = errors.New("sse: malformed event payload")

const maxLineBytes = 1 << 20

// Decoder reads events from a stream that may arrive in arbitrary fragments.
// A partial line is buffered until its terminator shows up in a later read.
type Decoder struct {
	r     *bufio.Reader
	data  bytes.Buffer
	event string
	line  bytes.Buffer
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next event. It returns io.EOF once the stream ends; a final
// message missing its blank-line terminator is still delivered.
func (d *Decoder) Next() (Event, error) {
	for {
		line, complete, err := d.readLine()
		if complete {
			ev, ok, perr := d.processLine(line)
			if perr != nil || ok {
				return ev, perr
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) && d.data.Len() > 0 {
				return d.dispatch()
			}
			return Event{}, err
		}
	}
}

// readLine returns one line without its terminator. complete is false when nothing
// was read before err.
func (d *Decoder) readLine() (string, bool, error) {
	for {
		chunk, err := d.r.ReadSlice('\n')
		d.line.Write(chunk)

		if d.line.Len() > maxLineBytes {
			d.line.Reset()
			return "", false, fmt.Errorf("sse: line exceeds %d bytes", maxLineBytes)
		}

		switch {
		case err == nil:
			line := strings.TrimRight(d.line.String(), "\r\n")
			d.line.Reset()
			return line, true, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			if d.line.Len() == 0 {
				return "", false, err
			}
			line := strings.TrimRight(d.line.String(), "\r\n")
			d.line.Reset()
			return line, true, err
		}
	}
}

func (d *Decoder) processLine(line string) (Event, bool, error) {
	if line == "" {
		if d.data.Len() == 0 {
			d.event = ""
			return Event{}, false, nil
		}
		ev, err := d.dispatch()
		return ev, true, err
	}

	if strings.HasPrefix(line, ":") {
		return Event{}, false, nil
	}

	field, value, _ := strings.Cut(line, ":")
	value = strings.TrimPrefix(value, " ")

	switch field {
	case "data":
		if d.data.Len() > 0 {
			d.data.WriteByte('\n')
		}
		d.data.WriteString(value)
	case "event":
		d.event = value
	}

	return Event{}, false, nil
}

func (d *Decoder) dispatch() (Event, error) {
	payload := append(json.RawMessage(nil), d.data.Bytes()...)
	name := d.event
	d.data.Reset()
	d.event = ""

	var head struct {
		Type Type            `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return Event{Data: payload}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	// Untyped payloads take their type from the event field and are the data
	// themselves.
	if head.Type == "" {
		return Event{Type: Type(name), Data: payload}, nil
	}

	// Typed payloads without a data member are read flat.
	if len(head.Data) == 0 || string(head.Data) == "null" {
		return Event{Type: head.Type, Data: payload}, nil
	}
	return Event{Type: head.Type, Data: head.Data}, nil
}
