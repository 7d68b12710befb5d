package detector

import (
	"bytes"
	"errors"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
)

// ValidateFrame checks that the frame bytes decode as an image before any
// network call is spent on them. Returns a DecodeError for corrupt or
// empty files so callers can classify the failure as a permanent skip.
func ValidateFrame(frame Frame) error {
	if len(frame.Data) == 0 {
		return &DecodeError{Filename: frame.Filename, Err: errors.New("empty file")}
	}

	if _, _, err := image.DecodeConfig(bytes.NewReader(frame.Data)); err != nil {
		return &DecodeError{Filename: frame.Filename, Err: err}
	}
	return nil
}

// IsDecodeError reports whether err is a permanent decode failure.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
