package service

import (
	"fmt"
	"sort"

	"github.com/yuqie6/activityrank/internal/schema"
)

// ActionCatalog 行为目录：行为编码 -> 基础分与撤销关系。
// 启动时构建一次，之后只读；新增行为只需改数据，不需要改分发逻辑。
type ActionCatalog struct {
	defs map[schema.ActionCode]schema.ActionDefinition
}

// DefaultActionDefinitions 默认行为表；每次调用返回新切片
func DefaultActionDefinitions() []schema.ActionDefinition {
	inv := func(c schema.ActionCode) *schema.ActionCode { return &c }
	return []schema.ActionDefinition{
		{Code: schema.ActionPraise, Name: "praise", BaseScore: 10},
		{Code: schema.ActionCancelPraise, Name: "cancel_praise", BaseScore: -10, InverseOf: inv(schema.ActionPraise)},
		{Code: schema.ActionComment, Name: "comment", BaseScore: 15},
		{Code: schema.ActionCancelComment, Name: "cancel_comment", BaseScore: -15, InverseOf: inv(schema.ActionComment)},
		{Code: schema.ActionCollect, Name: "collect", BaseScore: 20},
		{Code: schema.ActionCancelCollect, Name: "cancel_collect", BaseScore: -20, InverseOf: inv(schema.ActionCollect)},
		{Code: schema.ActionFollow, Name: "follow", BaseScore: 30},
		{Code: schema.ActionCancelFollow, Name: "cancel_follow", BaseScore: -30, InverseOf: inv(schema.ActionFollow)},
		{Code: schema.ActionCheckIn, Name: "check_in", BaseScore: 5},
	}
}

// NewActionCatalog 校验并构建行为目录
func NewActionCatalog(defs []schema.ActionDefinition) (*ActionCatalog, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("行为目录不能为空")
	}
	m := make(map[schema.ActionCode]schema.ActionDefinition, len(defs))
	for _, d := range defs {
		if _, dup := m[d.Code]; dup {
			return nil, fmt.Errorf("行为编码重复: %d", d.Code)
		}
		m[d.Code] = cloneDefinition(d)
	}

	for _, d := range m {
		switch {
		case d.BaseScore < 0:
			if d.InverseOf == nil {
				// 缺少撤销关系的负分行为保留在目录里，事件到达时按 MalformedReversal 丢弃
				continue
			}
			target, ok := m[*d.InverseOf]
			if !ok {
				return nil, fmt.Errorf("行为 %d 撤销的行为 %d 不存在", d.Code, *d.InverseOf)
			}
			if target.BaseScore <= 0 {
				return nil, fmt.Errorf("行为 %d 只能撤销正分行为，%d 的基础分为 %d", d.Code, target.Code, target.BaseScore)
			}
		case d.InverseOf != nil:
			return nil, fmt.Errorf("非负分行为 %d 不应设置 inverse_of", d.Code)
		}
	}
	return &ActionCatalog{defs: m}, nil
}

// MustDefaultCatalog 默认行为目录（默认表总是合法的）
func MustDefaultCatalog() *ActionCatalog {
	c, err := NewActionCatalog(DefaultActionDefinitions())
	if err != nil {
		panic(err)
	}
	return c
}

// Lookup 查询行为定义（返回副本）
func (c *ActionCatalog) Lookup(code schema.ActionCode) (schema.ActionDefinition, bool) {
	d, ok := c.defs[code]
	if !ok {
		return schema.ActionDefinition{}, false
	}
	return cloneDefinition(d), true
}

// Reverses 返回负分行为所撤销的正向行为
func (c *ActionCatalog) Reverses(code schema.ActionCode) (schema.ActionDefinition, bool) {
	d, ok := c.defs[code]
	if !ok || d.BaseScore >= 0 || d.InverseOf == nil {
		return schema.ActionDefinition{}, false
	}
	return c.Lookup(*d.InverseOf)
}

// Definitions 按编码排序的全部定义
func (c *ActionCatalog) Definitions() []schema.ActionDefinition {
	out := make([]schema.ActionDefinition, 0, len(c.defs))
	for _, d := range c.defs {
		out = append(out, cloneDefinition(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func cloneDefinition(d schema.ActionDefinition) schema.ActionDefinition {
	if d.InverseOf != nil {
		v := *d.InverseOf
		d.InverseOf = &v
	}
	return d
}
