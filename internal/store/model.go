package store

// Document stores the latest full snapshot for a document.
type Document struct {
	DocID            string `gorm:"column:doc_id;primaryKey;size:190;not null"`
	Snapshot         []byte `gorm:"column:snapshot;type:blob;not null"`
	Version          int64  `gorm:"column:version;not null;default:0"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// UpdateRecord stores one append-only delta for replay and audit.
type UpdateRecord struct {
	UpdateID         int64  `gorm:"column:update_id;primaryKey;autoIncrement"`
	DocID            string `gorm:"column:doc_id;size:190;not null;index:idx_updates_doc"`
	Payload          []byte `gorm:"column:payload;type:blob;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (UpdateRecord) TableName() string {
	return "document_updates"
}

// DocumentMetadata stores descriptive fields with a lifecycle independent
// from the document snapshot.
type DocumentMetadata struct {
	DocID            string `gorm:"column:doc_id;primaryKey;size:190;not null"`
	Name             string `gorm:"column:name;size:190"`
	Description      string `gorm:"column:description;type:text"`
	Owner            string `gorm:"column:owner;size:190"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentMetadata) TableName() string {
	return "document_metadata"
}
