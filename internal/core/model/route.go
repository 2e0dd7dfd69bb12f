package model

import "strings"

// WildcardSuffix 路由模式结尾的通配符，表示按前缀匹配
const WildcardSuffix = "*"

// RouteDescriptor 路由描述，启动时从配置构建，之后只读
type RouteDescriptor struct {
	Pattern       string   `json:"pattern"`
	ServiceID     string   `json:"service_id"`
	StripPrefix   bool     `json:"strip_prefix"`
	Rewrite       string   `json:"rewrite,omitempty"` // 去掉前缀后拼接的新前缀
	RequireAuth   bool     `json:"require_auth"`
	RequiredRoles []string `json:"required_roles,omitempty"`
	TimeoutClass  string   `json:"timeout_class,omitempty"`
	Methods       []string `json:"methods,omitempty"` // 为空表示匹配所有方法
}

// IsPrefix 判断路由是否为前缀匹配
func (r RouteDescriptor) IsPrefix() bool {
	return strings.HasSuffix(r.Pattern, WildcardSuffix)
}

// Prefix 返回去掉通配符后的字面前缀
func (r RouteDescriptor) Prefix() string {
	return strings.TrimSuffix(r.Pattern, WildcardSuffix)
}

// AllowsMethod 判断路由是否接受该HTTP方法
func (r RouteDescriptor) AllowsMethod(method string) bool {
	if len(r.Methods) == 0 {
		return true
	}
	for _, m := range r.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// HasAnyRole 判断给定角色是否满足路由要求，未声明角色要求时总是满足
func (r RouteDescriptor) HasAnyRole(roles []string) bool {
	if len(r.RequiredRoles) == 0 {
		return true
	}
	for _, required := range r.RequiredRoles {
		for _, role := range roles {
			if role == required {
				return true
			}
		}
	}
	return false
}
