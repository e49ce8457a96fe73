// Package media persists files and voice notes shared in chat rooms and hands back references.
package media

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/huddle/backend/internal/apperr"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// Kind is the category of a shared upload.
type Kind string

const (
	KindFile  Kind = "file"
	KindImage Kind = "image"
	KindVoice Kind = "voice"
)

const (
	opProcess            = "media.process"
	defaultMaxBytes      = 25 << 20
	maxFileNameLength    = 255
	maxVoiceDurationSecs = 600
)

var allowedTypePrefixes = []string{
	"image/",
	"audio/",
	"video/",
	"text/plain",
	"application/pdf",
	"application/zip",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.",
}

// Upload is the raw payload a client shares.
type Upload struct {
	Kind            Kind
	FileName        string
	ContentType     string
	Data            []byte
	DurationSeconds float64
}

// Reference points at a stored upload. It is what chat messages persist and broadcast.
type Reference struct {
	ID              string  `json:"id"`
	Kind            Kind    `json:"kind"`
	URL             string  `json:"url"`
	FileName        string  `json:"fileName"`
	ContentType     string  `json:"contentType"`
	Size            int64   `json:"size"`
	SizeLabel       string  `json:"sizeLabel"`
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
}

// Config describes where uploads are written and how they are addressed.
type Config struct {
	Fs       afero.Fs
	Root     string
	BaseURL  string
	MaxBytes int64
	Clock    func() time.Time
}

// Store writes uploads to an afero filesystem.
type Store struct {
	fs       afero.Fs
	root     string
	baseURL  string
	maxBytes int64
	clock    func() time.Time
}

// NewStore constructs a media store. A nil filesystem defaults to the OS filesystem.
func NewStore(cfg Config) *Store {
	fs := cfg.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		fs:       fs,
		root:     cfg.Root,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		maxBytes: maxBytes,
		clock:    clock,
	}
}

// Process validates and stores upload, returning its reference.
func (s *Store) Process(ctx context.Context, upload Upload) (Reference, error) {
	if err := ctx.Err(); err != nil {
		return Reference{}, err
	}
	if len(upload.Data) == 0 {
		return Reference{}, apperr.New(apperr.KindValidation, opProcess, "empty_upload", nil)
	}
	if int64(len(upload.Data)) > s.maxBytes {
		return Reference{}, apperr.New(apperr.KindValidation, opProcess, "too_large",
			fmt.Errorf("%s exceeds %s", humanize.IBytes(uint64(len(upload.Data))), humanize.IBytes(uint64(s.maxBytes))))
	}

	contentType := strings.TrimSpace(upload.ContentType)
	if contentType == "" {
		contentType = http.DetectContentType(upload.Data)
	}
	contentType = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	if !allowedType(contentType) {
		return Reference{}, apperr.New(apperr.KindValidation, opProcess, "unsupported_type", fmt.Errorf("content type %q", contentType))
	}

	kind := upload.Kind
	switch kind {
	case KindVoice:
		if !strings.HasPrefix(contentType, "audio/") {
			return Reference{}, apperr.New(apperr.KindValidation, opProcess, "voice_not_audio", nil)
		}
		if upload.DurationSeconds <= 0 || upload.DurationSeconds > maxVoiceDurationSecs {
			return Reference{}, apperr.New(apperr.KindValidation, opProcess, "invalid_duration", nil)
		}
	case KindFile, "":
		kind = KindFile
		if strings.HasPrefix(contentType, "image/") {
			kind = KindImage
		}
	case KindImage:
		if !strings.HasPrefix(contentType, "image/") {
			return Reference{}, apperr.New(apperr.KindValidation, opProcess, "image_not_image", nil)
		}
	default:
		return Reference{}, apperr.New(apperr.KindValidation, opProcess, "unknown_kind", nil)
	}

	fileName := sanitizeFileName(upload.FileName)
	if fileName == "" {
		fileName = string(kind)
	}

	identifier, err := uuid.NewV7()
	if err != nil {
		return Reference{}, apperr.New(apperr.KindInternal, opProcess, "id_generation_failed", err)
	}
	now := s.clock().UTC()
	relative := path.Join(string(kind), now.Format("2006"), now.Format("01"), identifier.String()+filepath.Ext(fileName))
	target := filepath.Join(s.root, filepath.FromSlash(relative))

	if err := s.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Reference{}, apperr.New(apperr.KindInternal, opProcess, "mkdir_failed", err)
	}
	if err := afero.WriteFile(s.fs, target, upload.Data, 0o644); err != nil {
		return Reference{}, apperr.New(apperr.KindInternal, opProcess, "write_failed", err)
	}

	return Reference{
		ID:              identifier.String(),
		Kind:            kind,
		URL:             s.baseURL + "/" + relative,
		FileName:        fileName,
		ContentType:     contentType,
		Size:            int64(len(upload.Data)),
		SizeLabel:       humanize.Bytes(uint64(len(upload.Data))),
		DurationSeconds: upload.DurationSeconds,
	}, nil
}

func allowedType(contentType string) bool {
	for _, prefix := range allowedTypePrefixes {
		if strings.HasPrefix(contentType, prefix) {
			return true
		}
	}
	return false
}

func sanitizeFileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "." || name == "/" {
		return ""
	}
	if len(name) > maxFileNameLength {
		extension := filepath.Ext(name)
		name = name[:maxFileNameLength-len(extension)] + extension
	}
	return name
}
