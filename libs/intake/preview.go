package intake

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/jpeg"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/webp"

	"urbanlens/libs/issues"
)

const (
	previewMaxSide = 640
	previewQuality = 80
)

// Preview renders a JPEG thumbnail of an image file as a data URL. EXIF
// orientation is applied so previews are upright.
func Preview(f File) (string, error) {
	img, err := imaging.Decode(bytes.NewReader(f.Data), imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", f.Name, err)
	}
	thumb := imaging.Fit(img, previewMaxSide, previewMaxSide, imaging.Lanczos)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: previewQuality}); err != nil {
		return "", err
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// GPSLocation reads the EXIF GPS position of an image, if it has one.
func GPSLocation(f File) (*issues.Location, bool) {
	x, err := exif.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return nil, false
	}
	lat, lng, err := x.LatLong()
	if err != nil {
		return nil, false
	}
	loc, err := issues.NewLocation(lat, lng, "")
	if err != nil {
		return nil, false
	}
	return &loc, true
}
