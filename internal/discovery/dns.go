package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/hewenyu/kong-gateway/internal/config"
	"github.com/hewenyu/kong-gateway/internal/core/model"
	"github.com/miekg/dns"
	"go.uber.org/zap"
)

const (
	defaultDNSServer  = "127.0.0.1:6553"
	defaultDNSDomain  = "service.discovery"
	defaultDNSTimeout = 5 * time.Second
)

// DNSDiscoverer 通过SRV记录发现服务实例，记录名为 _服务名._tcp.域名
type DNSDiscoverer struct {
	server string
	domain string
	client *dns.Client
	logger config.Logger
}

// NewDNSDiscoverer 创建DNS发现后端
func NewDNSDiscoverer(cfg config.DNSConfig, logger config.Logger) *DNSDiscoverer {
	server := cfg.Server
	if server == "" {
		server = defaultDNSServer
	}
	domain := strings.Trim(cfg.Domain, ".")
	if domain == "" {
		domain = defaultDNSDomain
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultDNSTimeout
	}

	return &DNSDiscoverer{
		server: server,
		domain: domain,
		client: &dns.Client{Net: "udp", Timeout: timeout},
		logger: logger,
	}
}

// Name 返回后端名称
func (d *DNSDiscoverer) Name() string {
	return BackendDNS
}

// Instances 查询SRV记录，优先使用附加段中的A/AAAA记录解析目标主机
func (d *DNSDiscoverer) Instances(ctx context.Context, serviceID string) ([]model.ServiceInstance, error) {
	queryName := fmt.Sprintf("_%s._tcp.%s", serviceID, d.domain)

	r, err := d.exchange(ctx, queryName, dns.TypeSRV)
	if err != nil {
		return nil, err
	}
	if r.Rcode == dns.RcodeNameError {
		return []model.ServiceInstance{}, nil
	}
	if r.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("解析服务[%s]失败: %s", queryName, dns.RcodeToString[r.Rcode])
	}

	var records []*dns.SRV
	for _, rr := range r.Answer {
		if srv, ok := rr.(*dns.SRV); ok {
			records = append(records, srv)
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].Weight > records[j].Weight
	})

	hosts := hostsFromExtra(r.Extra)
	now := time.Now()
	instances := make([]model.ServiceInstance, 0, len(records))
	for _, srv := range records {
		addrs, err := d.resolveTarget(ctx, srv.Target, hosts)
		if err != nil {
			d.logger.Warn("解析SRV目标失败", zap.String("target", srv.Target), zap.Error(err))
			continue
		}
		target := strings.TrimSuffix(srv.Target, ".")
		for _, addr := range addrs {
			instanceID := target
			if len(addrs) > 1 {
				instanceID = target + "/" + addr
			}
			instances = append(instances, model.ServiceInstance{
				ServiceID:       serviceID,
				InstanceID:      instanceID,
				Address:         addr,
				Port:            int(srv.Port),
				LastSeenHealthy: now,
			})
		}
	}
	return instances, nil
}

// resolveTarget 返回SRV目标对应的地址，附加段缺失时单独查询A记录
func (d *DNSDiscoverer) resolveTarget(ctx context.Context, target string, hosts map[string][]string) ([]string, error) {
	bare := strings.TrimSuffix(target, ".")
	if ip := net.ParseIP(bare); ip != nil {
		return []string{ip.String()}, nil
	}
	if addrs, ok := hosts[dns.CanonicalName(target)]; ok {
		return addrs, nil
	}

	r, err := d.exchange(ctx, target, dns.TypeA)
	if err != nil {
		return nil, err
	}
	var addrs []string
	for _, rr := range r.Answer {
		if a, ok := rr.(*dns.A); ok {
			addrs = append(addrs, a.A.String())
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("未找到[%s]的地址", target)
	}
	return addrs, nil
}

func (d *DNSDiscoverer) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	r, _, err := d.client.ExchangeContext(ctx, m, d.server)
	if err != nil {
		return nil, fmt.Errorf("查询[%s]失败: %w", name, err)
	}
	return r, nil
}

// hostsFromExtra 按规范化(小写)的主机名索引附加段中的地址
func hostsFromExtra(extra []dns.RR) map[string][]string {
	hosts := make(map[string][]string)
	for _, rr := range extra {
		name := dns.CanonicalName(rr.Header().Name)
		switch rec := rr.(type) {
		case *dns.A:
			hosts[name] = append(hosts[name], rec.A.String())
		case *dns.AAAA:
			hosts[name] = append(hosts[name], rec.AAAA.String())
		}
	}
	return hosts
}
