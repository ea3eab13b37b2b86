//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
)

// LinuxProvisioner 以 netlink 在介面上掛別名 IP
// 每個位址帶 <iface>:scada 標籤，teardown 靠標籤回收，跨行程也能清乾淨
type LinuxProvisioner struct {
	BaseProvisioner
}

func newPlatformProvisioner(interfaceName string, logger *zap.Logger) NetworkProvisioner {
	return &LinuxProvisioner{
		BaseProvisioner: BaseProvisioner{
			InterfaceName: interfaceName,
			Logger:        logger,
		},
	}
}

// Setup 配置別名 IP
func (p *LinuxProvisioner) Setup(ctx context.Context, ranges []IPRange) error {
	if err := p.Validate(ranges); err != nil {
		return err
	}

	link, err := netlink.LinkByName(p.InterfaceName)
	if err != nil {
		return fmt.Errorf("找不到網路介面 %s: %w", p.InterfaceName, err)
	}

	ips, err := p.expandRanges(ranges)
	if err != nil {
		return fmt.Errorf("展開 IP 範圍失敗: %w", err)
	}

	label := p.AliasLabel()
	if label == "" {
		p.Logger.Warn("介面名稱過長，別名不帶標籤，teardown 將認不出這批位址",
			zap.String("interface", p.InterfaceName),
		)
	}

	p.Logger.Info("正在配置別名 IP",
		zap.String("interface", p.InterfaceName),
		zap.Int("count", len(ips)),
	)

	added := 0
	for _, ip := range ips {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		addr := &netlink.Addr{
			IPNet: &net.IPNet{
				IP:   ip,
				Mask: net.CIDRMask(32, 32),
			},
			Label: label,
		}

		if err := netlink.AddrAdd(link, addr); err != nil {
			if errors.Is(err, fs.ErrExist) {
				p.Logger.Debug("IP 已存在", zap.String("ip", ip.String()))
				added++
				continue
			}
			p.Logger.Warn("添加 IP 失敗",
				zap.String("ip", ip.String()),
				zap.Error(err),
			)
			continue
		}

		added++
		p.Logger.Debug("已添加 IP", zap.String("ip", ip.String()))
	}

	p.Logger.Info("別名 IP 配置完成",
		zap.Int("success", added),
		zap.Int("total", len(ips)),
	)

	return nil
}

// ownedAddrs 依標籤撈出本工具掛上去的位址
func (p *LinuxProvisioner) ownedAddrs(link netlink.Link) ([]netlink.Addr, error) {
	label := p.AliasLabel()
	if label == "" {
		return nil, fmt.Errorf("介面 %s 名稱過長，無法以標籤辨認別名 IP", p.InterfaceName)
	}

	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("列出 IP 失敗: %w", err)
	}

	var owned []netlink.Addr
	for _, a := range addrs {
		if a.Label == label {
			owned = append(owned, a)
		}
	}
	return owned, nil
}

// Teardown 移除帶本工具標籤的別名 IP
func (p *LinuxProvisioner) Teardown(ctx context.Context) error {
	link, err := netlink.LinkByName(p.InterfaceName)
	if err != nil {
		return fmt.Errorf("找不到網路介面 %s: %w", p.InterfaceName, err)
	}

	owned, err := p.ownedAddrs(link)
	if err != nil {
		return err
	}

	p.Logger.Info("正在移除別名 IP",
		zap.String("interface", p.InterfaceName),
		zap.Int("count", len(owned)),
	)

	removed := 0
	for _, addr := range owned {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := netlink.AddrDel(link, &addr); err != nil {
			p.Logger.Warn("移除 IP 失敗",
				zap.String("ip", addr.IP.String()),
				zap.Error(err),
			)
			continue
		}

		removed++
		p.Logger.Debug("已移除 IP", zap.String("ip", addr.IP.String()))
	}

	p.Logger.Info("別名 IP 移除完成",
		zap.Int("removed", removed),
	)

	return nil
}

// List 列出本工具配置的別名 IP
func (p *LinuxProvisioner) List(ctx context.Context) ([]net.IP, error) {
	link, err := netlink.LinkByName(p.InterfaceName)
	if err != nil {
		return nil, fmt.Errorf("找不到網路介面 %s: %w", p.InterfaceName, err)
	}

	owned, err := p.ownedAddrs(link)
	if err != nil {
		return nil, err
	}

	ips := make([]net.IP, 0, len(owned))
	for _, a := range owned {
		ips = append(ips, a.IP)
	}
	return ips, nil
}
