// Package router 将入站路径映射到配置的路由描述
package router

import (
	"fmt"
	"strings"

	"github.com/hewenyu/kong-gateway/internal/config"
	"github.com/hewenyu/kong-gateway/internal/core/model"
)

// Matcher 按注册顺序匹配路由，第一个命中的路由生效
type Matcher struct {
	routes []model.RouteDescriptor
}

// NewMatcher 创建路由匹配器，routes 的顺序即匹配顺序
func NewMatcher(routes []model.RouteDescriptor) (*Matcher, error) {
	copied := make([]model.RouteDescriptor, 0, len(routes))
	for i, route := range routes {
		if err := validateRoute(route); err != nil {
			return nil, fmt.Errorf("第%d条路由无效: %w", i, err)
		}
		copied = append(copied, cloneRoute(route))
	}
	return &Matcher{routes: copied}, nil
}

// NewMatcherFromConfig 从配置构建路由匹配器
func NewMatcherFromConfig(cfg []config.RouteConfig) (*Matcher, error) {
	routes := make([]model.RouteDescriptor, 0, len(cfg))
	for _, rc := range cfg {
		routes = append(routes, model.RouteDescriptor{
			Pattern:       rc.Pattern,
			ServiceID:     rc.Service,
			StripPrefix:   rc.StripPrefix,
			Rewrite:       rc.Rewrite,
			RequireAuth:   rc.RequireAuth,
			RequiredRoles: rc.Roles,
			TimeoutClass:  rc.TimeoutClass,
			Methods:       rc.Methods,
		})
	}
	return NewMatcher(routes)
}

// validateRoute 校验路由模式：以/开头，通配符只能出现在结尾
func validateRoute(route model.RouteDescriptor) error {
	if route.Pattern == "" {
		return fmt.Errorf("pattern不能为空")
	}
	if !strings.HasPrefix(route.Pattern, "/") {
		return fmt.Errorf("pattern必须以/开头: %s", route.Pattern)
	}
	if idx := strings.Index(route.Pattern, model.WildcardSuffix); idx >= 0 && idx != len(route.Pattern)-1 {
		return fmt.Errorf("通配符只能出现在pattern结尾: %s", route.Pattern)
	}
	if route.ServiceID == "" {
		return fmt.Errorf("路由%s缺少服务ID", route.Pattern)
	}
	return nil
}

func cloneRoute(route model.RouteDescriptor) model.RouteDescriptor {
	route.RequiredRoles = append([]string(nil), route.RequiredRoles...)
	route.Methods = append([]string(nil), route.Methods...)
	return route
}

// Match 返回第一个匹配 path 的路由，未匹配时返回 false
func (m *Matcher) Match(path string) (model.RouteDescriptor, bool) {
	for _, route := range m.routes {
		if matchPattern(route, path) {
			return route, true
		}
	}
	return model.RouteDescriptor{}, false
}

// MatchRequest 在 Match 的基础上额外检查路由允许的方法
func (m *Matcher) MatchRequest(method, path string) (model.RouteDescriptor, bool) {
	for _, route := range m.routes {
		if matchPattern(route, path) && route.AllowsMethod(method) {
			return route, true
		}
	}
	return model.RouteDescriptor{}, false
}

// Routes 返回路由列表的副本
func (m *Matcher) Routes() []model.RouteDescriptor {
	out := make([]model.RouteDescriptor, 0, len(m.routes))
	for _, route := range m.routes {
		out = append(out, cloneRoute(route))
	}
	return out
}

// ServiceIDs 返回路由引用的全部服务，按首次出现的顺序去重
func (m *Matcher) ServiceIDs() []string {
	seen := make(map[string]struct{}, len(m.routes))
	ids := make([]string, 0, len(m.routes))
	for _, route := range m.routes {
		if _, ok := seen[route.ServiceID]; ok {
			continue
		}
		seen[route.ServiceID] = struct{}{}
		ids = append(ids, route.ServiceID)
	}
	return ids
}

func matchPattern(route model.RouteDescriptor, path string) bool {
	if route.IsPrefix() {
		return strings.HasPrefix(path, route.Prefix())
	}
	return path == route.Pattern
}

// RewritePath 计算转发到上游的路径
func RewritePath(route model.RouteDescriptor, path string) string {
	out := path
	if route.StripPrefix {
		prefix := route.Prefix()
		if route.IsPrefix() {
			out = strings.TrimPrefix(path, prefix)
		} else if path == route.Pattern {
			out = ""
		}
	}

	if route.Rewrite != "" {
		out = joinPath(route.Rewrite, out)
	}

	if !strings.HasPrefix(out, "/") {
		out = "/" + out
	}
	return out
}

// joinPath 拼接两段路径，保证中间只有一个斜杠
func joinPath(base, rest string) string {
	if rest == "" {
		return base
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(rest, "/")
}
