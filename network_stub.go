//go:build !linux

package main

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
)

// StubProvisioner 非 Linux 平台不動網路，只做範圍驗證與展示
type StubProvisioner struct {
	BaseProvisioner
	planned []net.IP
}

func newPlatformProvisioner(interfaceName string, logger *zap.Logger) NetworkProvisioner {
	return &StubProvisioner{
		BaseProvisioner: BaseProvisioner{
			InterfaceName: interfaceName,
			Logger:        logger,
		},
	}
}

// Setup 只展開與記錄，不實際配置
func (p *StubProvisioner) Setup(ctx context.Context, ranges []IPRange) error {
	if err := p.Validate(ranges); err != nil {
		return err
	}

	ips, err := p.expandRanges(ranges)
	if err != nil {
		return fmt.Errorf("展開 IP 範圍失敗: %w", err)
	}

	p.Logger.Warn("別名 IP 配置僅在 Linux 上支援，僅記錄不生效",
		zap.String("interface", p.InterfaceName),
		zap.Int("count", len(ips)),
	)

	p.planned = ips
	return nil
}

// Teardown 清掉記錄
func (p *StubProvisioner) Teardown(ctx context.Context) error {
	p.Logger.Warn("別名 IP 移除僅在 Linux 上支援",
		zap.String("interface", p.InterfaceName),
		zap.Int("count", len(p.planned)),
	)

	p.planned = nil
	return nil
}

// List 回報本機位址加上記錄中的別名
func (p *StubProvisioner) List(ctx context.Context) ([]net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("取得本地 IP 失敗: %w", err)
	}

	var ips []net.IP
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.To4() == nil {
			continue
		}
		ips = append(ips, ipNet.IP)
	}

	return append(ips, p.planned...), nil
}
