package service

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/yuqie6/activityrank/internal/schema"
)

// FieldScoreTotal 操作日志中当日已入账总分的字段名
const FieldScoreTotal = "score_total"

// Window 排行榜时间窗口
type Window string

const (
	WindowTotal   Window = "total"
	WindowDaily   Window = "daily"
	WindowMonthly Window = "monthly"
)

// AllWindows 全部窗口（固定顺序）
func AllWindows() []Window {
	return []Window{WindowTotal, WindowDaily, WindowMonthly}
}

// ParseWindow 解析窗口名称（忽略大小写）
func ParseWindow(s string) (Window, error) {
	switch Window(strings.ToLower(strings.TrimSpace(s))) {
	case WindowTotal:
		return WindowTotal, nil
	case WindowDaily:
		return WindowDaily, nil
	case WindowMonthly:
		return WindowMonthly, nil
	default:
		return "", fmt.Errorf("未知的排行榜窗口: %q", s)
	}
}

// KeyScheme 按日期/用户生成存储键，日期按 loc 时区切分
type KeyScheme struct {
	prefix string
	loc    *time.Location
}

func NewKeyScheme(prefix string, loc *time.Location) KeyScheme {
	if prefix == "" {
		prefix = "arank"
	}
	if loc == nil {
		loc = time.Local
	}
	return KeyScheme{prefix: prefix, loc: loc}
}

// OpLogKey 用户当日操作日志，例如 arank:oplog:20261018:42
func (k KeyScheme) OpLogKey(userID int64, t time.Time) string {
	return k.prefix + ":oplog:" + t.In(k.loc).Format("20060102") + ":" + strconv.FormatInt(userID, 10)
}

// DailyKey 日榜，例如 arank:rank:daily:20261018
func (k KeyScheme) DailyKey(t time.Time) string {
	return k.prefix + ":rank:daily:" + t.In(k.loc).Format("20060102")
}

// MonthlyKey 月榜，例如 arank:rank:monthly:202610
func (k KeyScheme) MonthlyKey(t time.Time) string {
	return k.prefix + ":rank:monthly:" + t.In(k.loc).Format("200601")
}

// TotalKey 总榜
func (k KeyScheme) TotalKey() string {
	return k.prefix + ":rank:total"
}

// WindowKey 解析窗口对应的键（日榜/月榜取 t 所在的当前窗口）
func (k KeyScheme) WindowKey(w Window, t time.Time) (string, error) {
	switch w {
	case WindowTotal:
		return k.TotalKey(), nil
	case WindowDaily:
		return k.DailyKey(t), nil
	case WindowMonthly:
		return k.MonthlyKey(t), nil
	default:
		return "", fmt.Errorf("未知的排行榜窗口: %q", w)
	}
}

// OpField 操作日志中 (行为, 对象类型, 对象 ID) 三元组的字段名
func OpField(action schema.ActionCode, targetType schema.TargetType, targetID int64) string {
	return strconv.Itoa(int(action)) + ":" + strconv.Itoa(int(targetType)) + ":" + strconv.FormatInt(targetID, 10)
}

// memberOf 排行榜成员名
func memberOf(userID int64) string {
	return strconv.FormatInt(userID, 10)
}
