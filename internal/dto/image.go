package dto

import (
	"time"

	"github.com/noah-isme/image-attribute-api/internal/models"
)

// SearchImagesRequest captures catalog filters from the query string. Handlers
// normalise the boolean flags with parseFlag and keep every filter parameter that
// was present, as sent, in Supplied.
type SearchImagesRequest struct {
	HairColor string            `form:"hair_color" json:"hair_color,omitempty" validate:"max=128"`
	EyeColor  string            `form:"eye_color" json:"eye_color,omitempty" validate:"max=128"`
	Tattoos   bool              `form:"-" json:"tattoos,omitempty"`
	Earrings  bool              `form:"-" json:"earrings,omitempty"`
	Supplied  map[string]string `form:"-" json:"-"`
}

// ImageResponse is an image with its attributes and, when issued, a signed file URL.
type ImageResponse struct {
	models.Image
	FileURL       string     `json:"fileUrl,omitempty"`
	FileExpiresAt *time.Time `json:"fileExpiresAt,omitempty"`
}

// ExportImagesRequest selects the export rendering.
type ExportImagesRequest struct {
	SearchImagesRequest
	Format string `form:"format" json:"format" validate:"omitempty,oneof=csv pdf"`
}

// ExportFile is a rendered export ready to stream.
type ExportFile struct {
	Filename    string
	ContentType string
	Content     []byte
}
