package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Error is a protocol violation detected while decoding a message.
// The peer connection answers it with INVALID_PROTOCOL and closes.
type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

type fieldKind int

const (
	kindString fieldKind = iota
	kindNumber
	kindBool
	kindArray
	kindHostPort
	kindDescriptor
)

type requiredField struct {
	path string
	kind fieldKind
}

// decoders is the single codec table: one entry per command, listing the
// required fields and how to build the variant struct.
var decoders = map[string]struct {
	required []requiredField
	newMsg   func() Message
}{
	CmdHandshakeRequest: {
		required: []requiredField{{"hostPort", kindHostPort}},
		newMsg:   func() Message { return &HandshakeRequest{} },
	},
	CmdHandshakeResponse: {
		required: []requiredField{{"hostPort", kindHostPort}},
		newMsg:   func() Message { return &HandshakeResponse{} },
	},
	CmdConnectionRefused: {
		required: []requiredField{{"message", kindString}, {"peers", kindArray}},
		newMsg:   func() Message { return &ConnectionRefused{} },
	},
	CmdInvalidProtocol: {
		required: []requiredField{{"message", kindString}},
		newMsg:   func() Message { return &InvalidProtocol{} },
	},
	CmdFileCreateRequest: {
		required: []requiredField{{"pathName", kindString}, {"fileDescriptor", kindDescriptor}},
		newMsg:   func() Message { return &FileCreateRequest{} },
	},
	CmdFileCreateResponse: {
		required: []requiredField{
			{"pathName", kindString}, {"fileDescriptor", kindDescriptor},
			{"status", kindBool}, {"message", kindString},
		},
		newMsg: func() Message { return &FileCreateResponse{} },
	},
	CmdFileModifyRequest: {
		required: []requiredField{{"pathName", kindString}, {"fileDescriptor", kindDescriptor}},
		newMsg:   func() Message { return &FileModifyRequest{} },
	},
	CmdFileModifyResponse: {
		required: []requiredField{
			{"pathName", kindString}, {"fileDescriptor", kindDescriptor},
			{"status", kindBool}, {"message", kindString},
		},
		newMsg: func() Message { return &FileModifyResponse{} },
	},
	CmdFileDeleteRequest: {
		required: []requiredField{{"pathName", kindString}, {"fileDescriptor", kindDescriptor}},
		newMsg:   func() Message { return &FileDeleteRequest{} },
	},
	CmdFileDeleteResponse: {
		required: []requiredField{
			{"pathName", kindString}, {"fileDescriptor", kindDescriptor},
			{"status", kindBool}, {"message", kindString},
		},
		newMsg: func() Message { return &FileDeleteResponse{} },
	},
	CmdFileBytesRequest: {
		required: []requiredField{
			{"pathName", kindString}, {"fileDescriptor", kindDescriptor},
			{"position", kindNumber}, {"length", kindNumber},
		},
		newMsg: func() Message { return &FileBytesRequest{} },
	},
	CmdFileBytesResponse: {
		required: []requiredField{
			{"pathName", kindString}, {"fileDescriptor", kindDescriptor},
			{"position", kindNumber}, {"length", kindNumber},
			{"content", kindString}, {"status", kindBool}, {"message", kindString},
		},
		newMsg: func() Message { return &FileBytesResponse{} },
	},
	CmdDirectoryCreateRequest: {
		required: []requiredField{{"pathName", kindString}},
		newMsg:   func() Message { return &DirectoryCreateRequest{} },
	},
	CmdDirectoryCreateResponse: {
		required: []requiredField{{"pathName", kindString}, {"status", kindBool}, {"message", kindString}},
		newMsg:   func() Message { return &DirectoryCreateResponse{} },
	},
	CmdDirectoryDeleteRequest: {
		required: []requiredField{{"pathName", kindString}},
		newMsg:   func() Message { return &DirectoryDeleteRequest{} },
	},
	CmdDirectoryDeleteResponse: {
		required: []requiredField{{"pathName", kindString}, {"status", kindBool}, {"message", kindString}},
		newMsg:   func() Message { return &DirectoryDeleteResponse{} },
	},
}

// Encode serializes a message as a newline-terminated JSON line with the
// command tag injected.
func Encode(m Message) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s: %w", m.Command(), err)
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("reshaping %s: %w", m.Command(), err)
	}

	cmd, _ := json.Marshal(m.Command())
	fields["command"] = cmd

	line, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s: %w", m.Command(), err)
	}

	return append(line, '\n'), nil
}

// Decode parses one JSON line into its message variant, validating the
// required fields for the command. Violations are reported as *Error.
func Decode(line []byte) (Message, error) {
	if !gjson.ValidBytes(line) {
		return nil, &Error{Message: "message must be valid JSON"}
	}

	doc := gjson.ParseBytes(line)
	if !doc.IsObject() {
		return nil, &Error{Message: "message must be a JSON object"}
	}

	cmd := doc.Get("command")
	if !cmd.Exists() || cmd.Type != gjson.String {
		return nil, &Error{Message: "message must contain a command field"}
	}

	dec, ok := decoders[cmd.String()]
	if !ok {
		return nil, &Error{Message: fmt.Sprintf("unknown command: %s", cmd.String())}
	}

	for _, f := range dec.required {
		if err := checkField(doc, f); err != nil {
			return nil, err
		}
	}

	m := dec.newMsg()
	if err := json.Unmarshal(line, m); err != nil {
		return nil, &Error{Message: fmt.Sprintf("malformed %s message: %v", cmd.String(), err)}
	}

	return m, nil
}

func checkField(doc gjson.Result, f requiredField) error {
	val := doc.Get(f.path)
	if !val.Exists() {
		return &Error{Message: fmt.Sprintf("message must contain a %s field", f.path)}
	}

	switch f.kind {
	case kindString:
		if val.Type != gjson.String {
			return &Error{Message: fmt.Sprintf("field %s must be a string", f.path)}
		}
	case kindNumber:
		if val.Type != gjson.Number {
			return &Error{Message: fmt.Sprintf("field %s must be a number", f.path)}
		}
	case kindBool:
		if val.Type != gjson.True && val.Type != gjson.False {
			return &Error{Message: fmt.Sprintf("field %s must be a boolean", f.path)}
		}
	case kindArray:
		if !val.IsArray() {
			return &Error{Message: fmt.Sprintf("field %s must be an array", f.path)}
		}
	case kindHostPort:
		if !val.IsObject() {
			return &Error{Message: fmt.Sprintf("field %s must be an object", f.path)}
		}
		for _, sub := range []requiredField{
			{f.path + ".host", kindString},
			{f.path + ".port", kindNumber},
		} {
			if err := checkField(doc, sub); err != nil {
				return err
			}
		}
	case kindDescriptor:
		if !val.IsObject() {
			return &Error{Message: fmt.Sprintf("field %s must be an object", f.path)}
		}
		for _, sub := range []requiredField{
			{f.path + ".md5", kindString},
			{f.path + ".lastModified", kindNumber},
			{f.path + ".fileSize", kindNumber},
		} {
			if err := checkField(doc, sub); err != nil {
				return err
			}
		}
	}

	return nil
}
