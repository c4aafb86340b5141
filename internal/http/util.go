package httpx

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/target/review-pulse/internal/domain/model"
)

// queryInt reads key from q; missing or malformed values yield def.
func queryInt(q url.Values, key string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(q.Get(key)))
	if err != nil {
		return def
	}
	return n
}

// clamp bounds v to [lo, hi].
func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

// ParseJobListQuery maps limit, offset and status onto list options.
// limit is clamped to [1, maxLimit] and negative offsets become 0. An unknown
// status is the only error and names the offending field.
func ParseJobListQuery(r *http.Request, defLimit, maxLimit int) (model.JobListOptions, *ErrorParams) {
	q := r.URL.Query()
	opts := model.JobListOptions{
		Limit:  clamp(queryInt(q, "limit", defLimit), 1, max(maxLimit, 1)),
		Offset: max(queryInt(q, "offset", 0), 0),
	}

	raw := strings.TrimSpace(q.Get("status"))
	if raw == "" {
		return opts, nil
	}
	st, err := model.ParseJobStatus(raw)
	if err != nil {
		return opts, &ErrorParams{Code: http.StatusBadRequest, ErrCode: "validation", Err: err, Field: "status"}
	}
	opts.Status = &st
	return opts, nil
}
