package main

import (
	"context"
	"net"

	"go.uber.org/zap"
)

// NetworkProvisioner 別名 IP 配置器
// 伺服端農場用: 在同一張網卡上掛一批別名 IP，讓多台模擬裝置各綁各的位址
type NetworkProvisioner interface {
	// Setup 配置範圍內的別名 IP
	Setup(ctx context.Context, ranges []IPRange) error

	// Teardown 移除本工具配置的別名 IP
	Teardown(ctx context.Context) error

	// List 列出本工具配置的別名 IP
	List(ctx context.Context) ([]net.IP, error)

	// Validate 驗證 IP 範圍
	Validate(ranges []IPRange) error
}

// 別名標籤字尾；Linux 介面標籤上限 15 字元
const (
	aliasSuffix = ":scada"
	maxLabelLen = 15
)

// NewNetworkProvisioner 依平台建立配置器
func NewNetworkProvisioner(interfaceName string, logger *zap.Logger) NetworkProvisioner {
	return newPlatformProvisioner(interfaceName, logger)
}

// BaseProvisioner 各平台共用的範圍處理
type BaseProvisioner struct {
	InterfaceName string
	Logger        *zap.Logger
}

// AliasLabel 組出本工具的介面別名標籤；超過系統上限時回空字串
func (p *BaseProvisioner) AliasLabel() string {
	label := p.InterfaceName + aliasSuffix
	if len(label) > maxLabelLen {
		return ""
	}
	return label
}

// Validate 驗證 IP 範圍
func (p *BaseProvisioner) Validate(ranges []IPRange) error {
	for _, r := range ranges {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// expandRanges 展開所有 IP 範圍並去重；範圍之間可能互相重疊
func (p *BaseProvisioner) expandRanges(ranges []IPRange) ([]net.IP, error) {
	seen := make(map[string]struct{})
	var all []net.IP
	for _, r := range ranges {
		ips, err := r.Expand()
		if err != nil {
			return nil, err
		}
		for _, ip := range ips {
			key := ip.String()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			all = append(all, ip)
		}
	}
	return all, nil
}
