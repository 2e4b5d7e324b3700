package sagadb

import (
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
)

// regexSearchFields are the fields a regex search is evaluated against.
var regexSearchFields = []string{
	"message",
	"rawContent",
	"metadata_ip_address",
	"metadata_client_ip",
	"metadata_path",
	"metadata_user_agent",
	"metadata_referer",
	"metadata_ip_address_text",
	"metadata_path_text",
}

// buildQuery assembles the text clause and the time clause for a search.
func buildQuery(text string, regex bool, startTime, endTime *int64) query.Query {
	var clauses []query.Query

	if text != "" {
		if regex {
			clauses = append(clauses, regexClause(text))
		} else {
			clauses = append(clauses, textClause(text))
		}
	}

	if startTime != nil || endTime != nil {
		clauses = append(clauses, timeClause(startTime, endTime))
	}

	switch len(clauses) {
	case 0:
		return bleve.NewMatchAllQuery()
	case 1:
		return clauses[0]
	default:
		return bleve.NewConjunctionQuery(clauses...)
	}
}

func regexClause(expr string) query.Query {
	per := make([]query.Query, 0, len(regexSearchFields))
	for _, field := range regexSearchFields {
		rq := bleve.NewRegexpQuery(expr)
		rq.SetField(field)
		per = append(per, rq)
	}
	return bleve.NewDisjunctionQuery(per...)
}

// textClause parses free text over message and rawContent with AND as the
// default operator. Inputs using query syntax go through the query-string
// parser; unparseable ones fall back to a wildcard contains-match.
func textClause(text string) query.Query {
	if strings.ContainsAny(text, ":\"+^~*") {
		qsq := bleve.NewQueryStringQuery(text)
		if _, err := qsq.Parse(); err == nil {
			return qsq
		}
		return bleve.NewWildcardQuery("*" + strings.ToLower(text) + "*")
	}

	per := make([]query.Query, 0, 2)
	for _, field := range []string{"message", "rawContent"} {
		mq := bleve.NewMatchQuery(text)
		mq.SetField(field)
		mq.SetOperator(query.MatchQueryOperatorAnd)
		per = append(per, mq)
	}
	return bleve.NewDisjunctionQuery(per...)
}

// timeClause matches records whose timestamp OR recordTime falls in the
// half-open range.
func timeClause(startTime, endTime *int64) query.Query {
	min, max := rangeBounds(startTime, endTime)
	inclusive := true

	tsQuery := bleve.NewNumericRangeInclusiveQuery(min, max, &inclusive, &inclusive)
	tsQuery.SetField("timestamp")

	rtQuery := bleve.NewNumericRangeInclusiveQuery(min, max, &inclusive, &inclusive)
	rtQuery.SetField("recordTime")

	return bleve.NewDisjunctionQuery(tsQuery, rtQuery)
}

func rangeBounds(startTime, endTime *int64) (*float64, *float64) {
	var min, max *float64
	if startTime != nil {
		v := float64(*startTime)
		min = &v
	}
	if endTime != nil {
		v := float64(*endTime)
		max = &v
	}
	return min, max
}

func termQuery(field, value string) query.Query {
	tq := bleve.NewTermQuery(value)
	tq.SetField(field)
	return tq
}
