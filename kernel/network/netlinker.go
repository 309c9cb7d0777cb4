package network

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"
)

// Netlinker is the slice of the netlink API the topology builder uses.
type Netlinker interface {
	LinkByName(name string) (netlink.Link, error)
	LinkList() ([]netlink.Link, error)
	LinkAdd(link netlink.Link) error
	LinkDel(link netlink.Link) error
	LinkSetUp(link netlink.Link) error
	LinkSetMaster(link, master netlink.Link) error
	LinkSetNoMaster(link netlink.Link) error
	AddrAdd(link netlink.Link, addr *netlink.Addr) error
	AddrList(link netlink.Link, family int) ([]netlink.Addr, error)
	RouteList(link netlink.Link, family int) ([]netlink.Route, error)
}

// RealNetlinker calls through to the kernel.
type RealNetlinker struct{}

func (RealNetlinker) LinkByName(name string) (netlink.Link, error) { return netlink.LinkByName(name) }
func (RealNetlinker) LinkList() ([]netlink.Link, error)            { return netlink.LinkList() }
func (RealNetlinker) LinkAdd(link netlink.Link) error              { return netlink.LinkAdd(link) }
func (RealNetlinker) LinkDel(link netlink.Link) error              { return netlink.LinkDel(link) }
func (RealNetlinker) LinkSetUp(link netlink.Link) error            { return netlink.LinkSetUp(link) }
func (RealNetlinker) LinkSetNoMaster(link netlink.Link) error      { return netlink.LinkSetNoMaster(link) }

func (RealNetlinker) LinkSetMaster(link, master netlink.Link) error {
	return netlink.LinkSetMaster(link, master)
}

func (RealNetlinker) AddrAdd(link netlink.Link, addr *netlink.Addr) error {
	return netlink.AddrAdd(link, addr)
}

func (RealNetlinker) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	return netlink.AddrList(link, family)
}

func (RealNetlinker) RouteList(link netlink.Link, family int) ([]netlink.Route, error) {
	return netlink.RouteList(link, family)
}

func isLinkNotFound(err error) bool {
	if err == nil {
		return false
	}
	var notFound netlink.LinkNotFoundError
	if errors.As(err, &notFound) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "not found")
}

// lookup returns (nil, nil) when the link does not exist.
func lookup(nl Netlinker, name string) (netlink.Link, error) {
	link, err := nl.LinkByName(name)
	if err != nil {
		if isLinkNotFound(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to look up link [%s]", name)
	}
	return link, nil
}
