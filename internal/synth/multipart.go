package synth

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"strings"

	"github.com/Rorqualx/mimicproxy/internal/types"
)

// FormField is one part of a multipart/form-data body.
type FormField struct {
	Name        string
	Value       []byte
	File        bool
	Filename    string
	ContentType string
}

// ParseMultipart splits a multipart/form-data body into its fields, in wire
// order. A part is a file when its Content-Disposition carries a filename
// parameter, even an empty one.
func ParseMultipart(body []byte, contentType string) ([]FormField, error) {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, types.NewError(types.KindMalformedMultipart, "parse_multipart", err)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, types.Errorf(types.KindMalformedMultipart, "parse_multipart", "no boundary in content-type header")
	}

	reader := multipart.NewReader(bytes.NewReader(body), boundary)
	var fields []FormField
	for {
		part, err := reader.NextRawPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, types.NewError(types.KindMalformedMultipart, "parse_multipart", err)
		}

		field, err := readPart(part)
		part.Close()
		if err != nil {
			return nil, err
		}
		fields = append(fields, field)
	}

	return fields, nil
}

func readPart(part *multipart.Part) (FormField, error) {
	disposition := part.Header.Get("Content-Disposition")
	if disposition == "" {
		return FormField{}, types.Errorf(types.KindMalformedMultipart, "parse_multipart", "part without content-disposition")
	}
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return FormField{}, types.NewError(types.KindMalformedMultipart, "parse_multipart", err)
	}

	name := params["name"]
	if name == "" {
		return FormField{}, types.Errorf(types.KindMalformedMultipart, "parse_multipart", "missing name in part headers")
	}

	value, err := io.ReadAll(part)
	if err != nil {
		return FormField{}, types.NewError(types.KindMalformedMultipart, "parse_multipart", err)
	}

	field := FormField{Name: name, Value: value}
	if filename, ok := params["filename"]; ok {
		field.File = true
		field.Filename = filename
		field.ContentType = strings.TrimSpace(part.Header.Get("Content-Type"))
		if field.ContentType == "" {
			field.ContentType = "application/octet-stream"
		}
	}
	return field, nil
}

// HasBoundary reports whether contentType is multipart/form-data with a
// boundary parameter.
func HasBoundary(contentType string) bool {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "multipart/form-data" && params["boundary"] != ""
}
