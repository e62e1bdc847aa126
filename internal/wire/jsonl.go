package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"

	"pkt.systems/nbkernel/schema"
)

const maxLineBytes = 16 * 1024 * 1024

type lineReader struct {
	reader *bufio.Reader
}

// DecodeError reports a line that could not be decoded into a message.
type DecodeError struct {
	line []byte
	err  error
}

func (e *DecodeError) Error() string {
	if e == nil || e.err == nil {
		return "jsonl decode error"
	}
	return e.err.Error()
}

func (e *DecodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// Line returns the raw line that failed to decode.
func (e *DecodeError) Line() []byte {
	if e == nil {
		return nil
	}
	return e.line
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{reader: bufio.NewReaderSize(r, 64*1024)}
}

func (s *lineReader) next() (schema.Message, error) {
	for {
		line, err := s.reader.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			return schema.Message{}, err
		}
		if len(line) > maxLineBytes {
			return schema.Message{}, &DecodeError{line: line[:256], err: bufio.ErrTooLong}
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			if err != nil {
				return schema.Message{}, err
			}
			continue
		}
		msg, decodeErr := decodeMessage(line)
		if decodeErr != nil {
			return schema.Message{}, &DecodeError{line: append([]byte(nil), line...), err: decodeErr}
		}
		return msg, nil
	}
}

func decodeMessage(line []byte) (schema.Message, error) {
	var msg schema.Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return schema.Message{}, err
	}
	if err := msg.Validate(); err != nil {
		return schema.Message{}, err
	}
	return msg, nil
}

func encodeMessage(msg schema.Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Marshal encodes one message without framing.
func Marshal(msg schema.Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Unmarshal decodes and validates one unframed message.
func Unmarshal(data []byte) (schema.Message, error) {
	msg, err := decodeMessage(bytes.TrimSpace(data))
	if err != nil {
		return schema.Message{}, &DecodeError{line: append([]byte(nil), data...), err: err}
	}
	return msg, nil
}
