package sagadb

import (
	"fmt"
	"time"
)

const partitionPrefix = "partition_"

// bucketFor formats the calendar bucket containing ts for the given
// granularity: 2006-01-02 (daily), 2006-W02 (ISO week), 2006-01 (monthly).
func bucketFor(ts time.Time, partitionType string) string {
	switch partitionType {
	case PartitionWeekly:
		year, week := ts.ISOWeek()
		return fmt.Sprintf("%d-W%02d", year, week)
	case PartitionMonthly:
		return ts.Format("2006-01")
	default:
		return ts.Format("2006-01-02")
	}
}

func partitionName(bucket string) string {
	return partitionPrefix + bucket
}
