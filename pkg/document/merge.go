// Package document combines uploaded PDFs into the single inline document
// sent with a generation request.
package document

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

const MIMEType = "application/pdf"

// ErrNoDocuments is returned when Merge is called with nothing to merge.
var ErrNoDocuments = errors.New("document: no documents to merge")

var disableConfigDir sync.Once

func configuration() *model.Configuration {
	disableConfigDir.Do(api.DisableConfigDir)
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// Merge concatenates the PDFs in order. A single input is validated and
// returned unchanged.
func Merge(docs []io.ReadSeeker) ([]byte, error) {
	switch len(docs) {
	case 0:
		return nil, ErrNoDocuments
	case 1:
		return single(docs[0])
	}

	var out bytes.Buffer
	if err := api.MergeRaw(docs, &out, false, configuration()); err != nil {
		return nil, fmt.Errorf("document: merge %d files: %w", len(docs), err)
	}
	return out.Bytes(), nil
}

// PageCount returns the number of pages in a PDF.
func PageCount(rs io.ReadSeeker) (int, error) {
	n, err := api.PageCount(rs, configuration())
	if err != nil {
		return 0, fmt.Errorf("document: page count: %w", err)
	}
	return n, nil
}

func single(rs io.ReadSeeker) ([]byte, error) {
	if err := api.Validate(rs, configuration()); err != nil {
		return nil, fmt.Errorf("document: validate: %w", err)
	}
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("document: rewind: %w", err)
	}
	data, err := io.ReadAll(rs)
	if err != nil {
		return nil, fmt.Errorf("document: read: %w", err)
	}
	return data, nil
}
