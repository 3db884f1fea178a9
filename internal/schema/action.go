package schema

import (
	"fmt"
	"strconv"
)

// ActionCode 用户行为类型编码（与上游事件的 actionType 对齐）
type ActionCode int

const (
	ActionPraise        ActionCode = 1
	ActionCancelPraise  ActionCode = 2
	ActionComment       ActionCode = 3
	ActionCancelComment ActionCode = 4
	ActionCollect       ActionCode = 5
	ActionCancelCollect ActionCode = 6
	ActionFollow        ActionCode = 7
	ActionCancelFollow  ActionCode = 8
	ActionCheckIn       ActionCode = 9
)

func (c ActionCode) String() string {
	return strconv.Itoa(int(c))
}

// TargetType 行为作用对象类型
type TargetType int

const (
	TargetArticle TargetType = 1
	TargetComment TargetType = 2
	TargetUser    TargetType = 3
)

func (t TargetType) String() string {
	switch t {
	case TargetArticle:
		return "article"
	case TargetComment:
		return "comment"
	case TargetUser:
		return "user"
	default:
		return fmt.Sprintf("target(%d)", int(t))
	}
}

// ActionDefinition 行为目录条目：基础分（有符号）与撤销关系。
// InverseOf 仅在负分行为上设置，指向它所撤销的正向行为。
type ActionDefinition struct {
	Code      ActionCode  `mapstructure:"code" yaml:"code" json:"code"`
	Name      string      `mapstructure:"name" yaml:"name" json:"name"`
	BaseScore int64       `mapstructure:"base_score" yaml:"base_score" json:"base_score"`
	InverseOf *ActionCode `mapstructure:"inverse_of" yaml:"inverse_of,omitempty" json:"inverse_of,omitempty"`
}

// IsReversal 是否为撤销类行为
func (d ActionDefinition) IsReversal() bool {
	return d.BaseScore < 0
}
