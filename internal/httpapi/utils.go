package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func writeError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

func readJSON(r *http.Request, out any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func parseInt64Param(value string) (int64, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return 0, fmt.Errorf("参数为空")
	}
	return strconv.ParseInt(v, 10, 64)
}

// clampLimit 空值或 <=0 取默认值，超过上限截断
func clampLimit(raw string, limitMax int) (int, error) {
	if limitMax <= 0 {
		limitMax = 100
	}
	if strings.TrimSpace(raw) == "" {
		return min(defaultTopLimit, limitMax), nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		n = defaultTopLimit
	}
	return min(n, limitMax), nil
}

func newEventID() string {
	return uuid.NewString()
}
