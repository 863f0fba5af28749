package models

import "time"

// Attribute keys the catalog filters on. Any other key returned by the classifier
// is stored as-is.
const (
	AttributeHairColor = "Hair Color"
	AttributeEyeColor  = "Eye Color"
	AttributeTattoos   = "Tattoos"
	AttributeEarrings  = "Earrings"
)

// AttributeYes is how boolean attributes are stored when true.
const AttributeYes = "Yes"

// Image is a successfully classified upload.
type Image struct {
	ID          int64            `db:"id" json:"id"`
	FilePath    string           `db:"file_path" json:"filePath"`
	ContentType string           `db:"content_type" json:"contentType"`
	SizeBytes   int64            `db:"size_bytes" json:"sizeBytes"`
	Checksum    string           `db:"checksum" json:"checksum"`
	CreatedAt   time.Time        `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time        `db:"updated_at" json:"updatedAt"`
	Attributes  []ImageAttribute `db:"-" json:"attributes"`
}

// ImageAttribute is one key/value pair owned by an image.
type ImageAttribute struct {
	ID        int64     `db:"id" json:"-"`
	ImageID   int64     `db:"image_id" json:"-"`
	Key       string    `db:"key" json:"key"`
	Value     string    `db:"value" json:"value"`
	CreatedAt time.Time `db:"created_at" json:"-"`
	UpdatedAt time.Time `db:"updated_at" json:"-"`
}

// MatchMode describes how a criterion compares attribute values.
type MatchMode string

const (
	MatchContains MatchMode = "contains"
	MatchEquals   MatchMode = "equals"
)

// AttributeCriterion requires an attribute with Key whose value matches Value.
type AttributeCriterion struct {
	Key   string
	Value string
	Mode  MatchMode
}

// ImageFilter is a conjunction of attribute criteria. Empty means every image.
type ImageFilter struct {
	Criteria []AttributeCriterion
}
