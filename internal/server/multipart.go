package server

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
)

// multipartBody re-encodes a parsed upload form for upstream delivery. The
// model field is substituted per attempt so failover re-renders with the
// selected target's model name. File parts are buffered once up front (the
// 25 MiB cap keeps this bounded) and reused across attempts.
func multipartBody(r *http.Request) (func(model string) ([]byte, string, error), error) {
	form := r.MultipartForm

	type filePart struct {
		field    string
		filename string
		data     []byte
	}
	var files []filePart
	for field, headers := range form.File {
		for _, fh := range headers {
			f, err := fh.Open()
			if err != nil {
				return nil, fmt.Errorf("open upload %q: %w", field, err)
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				return nil, fmt.Errorf("read upload %q: %w", field, err)
			}
			files = append(files, filePart{field: field, filename: fh.Filename, data: data})
		}
	}

	values := make(map[string][]string, len(form.Value))
	for k, v := range form.Value {
		values[k] = v
	}

	return func(model string) ([]byte, string, error) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		if err := mw.WriteField("model", model); err != nil {
			return nil, "", err
		}
		for field, vals := range values {
			if field == "model" {
				continue
			}
			for _, v := range vals {
				if err := mw.WriteField(field, v); err != nil {
					return nil, "", err
				}
			}
		}
		for _, fp := range files {
			w, err := mw.CreateFormFile(fp.field, fp.filename)
			if err != nil {
				return nil, "", err
			}
			if _, err := w.Write(fp.data); err != nil {
				return nil, "", err
			}
		}
		if err := mw.Close(); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), mw.FormDataContentType(), nil
	}, nil
}
