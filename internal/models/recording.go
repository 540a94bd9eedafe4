package models

import "time"

// Recording is an uploaded audio file transcribed in one shot.
type Recording struct {
	ID       string `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	FileName string `gorm:"column:file_name;type:text" json:"file_name"`
	FilePath string `gorm:"column:file_path;type:text" json:"file_path,omitempty"`

	FileSize int    `gorm:"column:file_size;type:integer" json:"file_size"`
	MimeType string `gorm:"column:mime_type;type:text" json:"mime_type"`

	Text       string  `gorm:"column:text;type:text" json:"text"`
	Confidence float64 `gorm:"column:confidence;type:double precision" json:"confidence"`

	UploadAt time.Time `gorm:"column:upload_at;type:timestamptz" json:"upload_at"`
}

func (Recording) TableName() string { return "recordings" }
