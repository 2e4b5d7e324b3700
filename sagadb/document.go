package sagadb

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/sagalog/saga/pkg/model"
)

// dedupKey is the document key. Re-indexing the same rawContent from the same
// source into the same partition overwrites the previous document.
func dedupKey(r *model.LogRecord) string {
	h := xxhash.New()
	_, _ = h.WriteString(r.Source)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(r.RawContent)
	return fmt.Sprintf("%016x", h.Sum64())
}

func (s *Store) toDocument(r *model.LogRecord) map[string]interface{} {
	doc := map[string]interface{}{
		"id":         r.ID,
		"timestamp":  r.IngestTime,
		"level":      r.Level,
		"message":    r.Message,
		"source":     r.Source,
		"rawContent": r.RawContent,
	}
	if r.RecordTime != nil {
		doc["recordTime"] = *r.RecordTime
	}
	for k, v := range r.Metadata {
		doc["metadata_"+k] = v
	}
	for _, key := range tokenizedMetadataKeys {
		if v, ok := r.Metadata[key]; ok {
			doc["metadata_"+key+"_text"] = v
		}
	}
	for _, cf := range s.cfg.CustomFields {
		raw, ok := r.Metadata[cf.Name]
		if !ok {
			continue
		}
		switch cf.Type {
		case FieldTypeNumber:
			if n, err := strconv.ParseFloat(raw, 64); err == nil {
				doc["custom_"+cf.Name] = n
			}
		case FieldTypeBoolean:
			if b, err := strconv.ParseBool(raw); err == nil {
				doc["custom_"+cf.Name] = b
			}
		case FieldTypeDate:
			if t, err := time.Parse(time.RFC3339, raw); err == nil {
				doc["custom_"+cf.Name] = t
			}
		default:
			doc["custom_"+cf.Name] = raw
		}
	}
	return doc
}

func fromFields(fields map[string]interface{}) model.LogRecord {
	rec := model.LogRecord{Metadata: map[string]string{}}

	for k, v := range fields {
		switch k {
		case "id":
			rec.ID = asString(v)
		case "timestamp":
			rec.IngestTime = asInt64(v)
		case "recordTime":
			rec.RecordTime = model.Int64Ptr(asInt64(v))
		case "level":
			rec.Level = asString(v)
		case "message":
			rec.Message = asString(v)
		case "source":
			rec.Source = asString(v)
		case "rawContent":
			rec.RawContent = asString(v)
		default:
			if name, ok := strings.CutPrefix(k, "metadata_"); ok && !strings.HasSuffix(name, "_text") {
				rec.Metadata[name] = asString(v)
			}
		}
	}
	if len(rec.Metadata) == 0 {
		rec.Metadata = nil
	}
	return rec
}

func asString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []interface{}:
		if len(t) > 0 {
			return asString(t[0])
		}
	}
	return fmt.Sprintf("%v", v)
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case []interface{}:
		if len(t) > 0 {
			return asInt64(t[0])
		}
	}
	return 0
}
