package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/image-attribute-api/internal/models"
)

const imageColumns = `i.id, i.file_path, i.content_type, i.size_bytes, i.checksum, i.created_at, i.updated_at`

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// ImageRepository persists images and their attribute rows.
type ImageRepository struct {
	db *sqlx.DB
}

// NewImageRepository constructs the repository.
func NewImageRepository(db *sqlx.DB) *ImageRepository {
	return &ImageRepository{db: db}
}

// CreateWithAttributes inserts the image row and every attribute in one transaction.
// Attributes are inserted in slice order so their ids preserve it.
func (r *ImageRepository) CreateWithAttributes(ctx context.Context, image *models.Image) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin image transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	const insertImage = `INSERT INTO images (file_path, content_type, size_bytes, checksum, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5) RETURNING id`
	if err = tx.QueryRowxContext(ctx, insertImage, image.FilePath, image.ContentType, image.SizeBytes, image.Checksum, now).Scan(&image.ID); err != nil {
		return fmt.Errorf("insert image: %w", err)
	}
	image.CreatedAt = now
	image.UpdatedAt = now

	const insertAttribute = `INSERT INTO image_attributes (image_id, key, value, created_at, updated_at)
VALUES ($1, $2, $3, $4, $4) RETURNING id`
	for i := range image.Attributes {
		attr := &image.Attributes[i]
		attr.ImageID = image.ID
		attr.CreatedAt = now
		attr.UpdatedAt = now
		if err = tx.QueryRowxContext(ctx, insertAttribute, image.ID, attr.Key, attr.Value, now).Scan(&attr.ID); err != nil {
			return fmt.Errorf("insert image attribute %q: %w", attr.Key, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit image: %w", err)
	}
	return nil
}

// Search returns images satisfying every criterion, newest first, with attributes loaded.
func (r *ImageRepository) Search(ctx context.Context, filter models.ImageFilter) ([]models.Image, error) {
	query, args := buildSearchQuery(filter)
	var images []models.Image
	if err := r.db.SelectContext(ctx, &images, query, args...); err != nil {
		return nil, fmt.Errorf("search images: %w", err)
	}
	if err := r.loadAttributes(ctx, images); err != nil {
		return nil, err
	}
	return images, nil
}

// GetByID returns one image with attributes or sql.ErrNoRows.
func (r *ImageRepository) GetByID(ctx context.Context, id int64) (*models.Image, error) {
	query := `SELECT ` + imageColumns + ` FROM images i WHERE i.id = $1`
	var image models.Image
	if err := r.db.GetContext(ctx, &image, query, id); err != nil {
		return nil, err
	}
	images := []models.Image{image}
	if err := r.loadAttributes(ctx, images); err != nil {
		return nil, err
	}
	return &images[0], nil
}

// Delete removes an image; attributes go with it through the cascading foreign key.
func (r *ImageRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM images WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete image: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check image delete rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (r *ImageRepository) loadAttributes(ctx context.Context, images []models.Image) error {
	if len(images) == 0 {
		return nil
	}
	ids := make([]int64, len(images))
	index := make(map[int64]int, len(images))
	for i := range images {
		ids[i] = images[i].ID
		index[images[i].ID] = i
		images[i].Attributes = []models.ImageAttribute{}
	}

	const query = `SELECT id, image_id, key, value, created_at, updated_at
FROM image_attributes WHERE image_id = ANY($1) ORDER BY image_id, id`
	var attrs []models.ImageAttribute
	if err := r.db.SelectContext(ctx, &attrs, query, pq.Array(ids)); err != nil {
		return fmt.Errorf("load image attributes: %w", err)
	}
	for _, attr := range attrs {
		if i, ok := index[attr.ImageID]; ok {
			images[i].Attributes = append(images[i].Attributes, attr)
		}
	}
	return nil
}

// buildSearchQuery renders one EXISTS subquery per criterion joined with AND.
func buildSearchQuery(filter models.ImageFilter) (string, []interface{}) {
	builder := strings.Builder{}
	builder.WriteString(`SELECT ` + imageColumns + ` FROM images i`)
	args := make([]interface{}, 0, len(filter.Criteria)*2)
	conditions := make([]string, 0, len(filter.Criteria))

	for _, c := range filter.Criteria {
		args = append(args, c.Key)
		keyPos := len(args)
		switch c.Mode {
		case models.MatchContains:
			args = append(args, "%"+likeEscaper.Replace(c.Value)+"%")
			conditions = append(conditions, fmt.Sprintf(
				`EXISTS (SELECT 1 FROM image_attributes a WHERE a.image_id = i.id AND a.key = $%d AND a.value LIKE $%d ESCAPE '\')`,
				keyPos, len(args)))
		default:
			args = append(args, c.Value)
			conditions = append(conditions, fmt.Sprintf(
				`EXISTS (SELECT 1 FROM image_attributes a WHERE a.image_id = i.id AND a.key = $%d AND a.value = $%d)`,
				keyPos, len(args)))
		}
	}

	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	builder.WriteString(" ORDER BY i.created_at DESC, i.id DESC")
	return builder.String(), args
}
