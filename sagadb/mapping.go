package sagadb

import (
	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
)

// Metadata keys that additionally get a tokenized _text variant so free-text
// queries can hit IPs, paths and request fields.
var tokenizedMetadataKeys = []string{
	"ip_address",
	"client_ip",
	"path",
	"user_agent",
	"referer",
}

func keywordField() *mapping.FieldMapping {
	fm := bleve.NewTextFieldMapping()
	fm.Analyzer = keyword.Name
	return fm
}

func textField() *mapping.FieldMapping {
	fm := bleve.NewTextFieldMapping()
	fm.Analyzer = standard.Name
	return fm
}

// buildMapping returns the document mapping shared by every partition.
// Exact-match fields use the keyword analyzer, free-text fields the standard
// analyzer, and the two time fields are numeric epoch-ms.
func buildMapping(custom []CustomField) mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()

	doc.AddFieldMappingsAt("id", keywordField())
	doc.AddFieldMappingsAt("level", keywordField())
	doc.AddFieldMappingsAt("source", keywordField())
	doc.AddFieldMappingsAt("message", textField())
	doc.AddFieldMappingsAt("rawContent", textField())
	doc.AddFieldMappingsAt("timestamp", bleve.NewNumericFieldMapping())
	doc.AddFieldMappingsAt("recordTime", bleve.NewNumericFieldMapping())

	for _, key := range tokenizedMetadataKeys {
		doc.AddFieldMappingsAt("metadata_"+key, keywordField())
		doc.AddFieldMappingsAt("metadata_"+key+"_text", textField())
	}

	for _, cf := range custom {
		var fm *mapping.FieldMapping
		switch cf.Type {
		case FieldTypeNumber:
			fm = bleve.NewNumericFieldMapping()
		case FieldTypeDate:
			fm = bleve.NewDateTimeFieldMapping()
		case FieldTypeBoolean:
			fm = bleve.NewBooleanFieldMapping()
		default:
			if cf.Tokenized {
				fm = textField()
			} else {
				fm = keywordField()
			}
		}
		fm.Index = cf.Indexed
		fm.Store = cf.Stored
		doc.AddFieldMappingsAt("custom_"+cf.Name, fm)
	}

	m := bleve.NewIndexMapping()
	// dynamic metadata_* fields not listed above default to keyword
	m.DefaultAnalyzer = keyword.Name
	m.DefaultMapping = doc
	return m
}
