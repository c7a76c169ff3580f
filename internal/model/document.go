package model

// AllowedExtensions lists the source-document extensions the Document
// Decoder accepts; anything else fails with UnsupportedFormat.
var AllowedExtensions = map[string]bool{
	".pdf":  true,
	".docx": true,
	".pptx": true,
	".xlsx": true,
	".xls":  true,
	".txt":  true,
}

// MaxFileSizeBytes bounds a single BlobStore fetch for extraction (50 MB).
const MaxFileSizeBytes = 50 * 1024 * 1024
