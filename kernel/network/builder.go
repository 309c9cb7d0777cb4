package network

import (
	"context"
	"net"
	"net/netip"
	"sort"
	"sync"

	"github.com/openziti/vmlab/kernel/model"
	"github.com/openziti/vmlab/kernel/store"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

var (
	ErrHostPortClaimed = errors.New("host port attached by another testbed")
	ErrSubnetConflict  = errors.New("management subnet conflicts with an existing network")
	ErrSubnetExhausted = errors.New("no free management subnet in pool")
	ErrLinkExists      = errors.New("link already exists")
	ErrAddressConflict = errors.New("management address already in use")
)

// DefaultPool is carved into /24 management subnets when the testbed asks for "auto".
var DefaultPool = netip.MustParsePrefix("10.213.0.0/16")

// Builder creates and removes the virtual switches of a testbed.
type Builder struct {
	nl    Netlinker
	store store.StateStore
	log   *logrus.Entry
	Pool  netip.Prefix
}

func NewBuilder(nl Netlinker, s store.StateStore, log *logrus.Entry) *Builder {
	if nl == nil {
		nl = RealNetlinker{}
	}
	return &Builder{nl: nl, store: s, log: log, Pool: DefaultPool}
}

// Topology is the result of Build: one switch per declared network plus the optional
// management switch with its address pool.
type Topology struct {
	Tag              string
	Bridges          map[string]string
	HostPorts        map[string][]string
	ManagementBridge string
	Subnet           netip.Prefix
	Gateway          netip.Addr

	mu       sync.Mutex
	assigned map[netip.Addr]string
	next     netip.Addr
}

// NewTopology returns a topology without switches. A valid subnet enables management
// addressing: its first host is the gateway and the eight after it are reserved.
func NewTopology(tag string, subnet netip.Prefix) *Topology {
	t := &Topology{
		Tag:       tag,
		Bridges:   map[string]string{},
		HostPorts: map[string][]string{},
		assigned:  map[netip.Addr]string{},
	}
	if subnet.IsValid() {
		t.setSubnet(subnet)
	}
	return t
}

func (t *Topology) setSubnet(subnet netip.Prefix) {
	t.Subnet = subnet.Masked()
	t.Gateway = t.Subnet.Addr().Next()
	t.next = t.Gateway
	for i := 0; i < 8; i++ {
		t.next = t.next.Next()
	}
}

// Build creates the switches for tb. Any failure rolls back what this call created.
func (b *Builder) Build(ctx context.Context, tb *model.Testbed) (*Topology, error) {
	topo := NewTopology(tb.Tag, netip.Prefix{})

	claimed, err := store.ClaimedHostPorts(b.store, tb.Tag)
	if err != nil {
		return nil, model.Resource("network", errors.Wrap(err, "unable to read claimed host ports"))
	}
	for _, n := range tb.Networks {
		for _, port := range n.HostPorts {
			if owner, found := claimed[port]; found {
				return nil, model.Resource("network", errors.Wrapf(ErrHostPortClaimed, "port [%s] belongs to testbed [%s]", port, owner))
			}
		}
	}

	if tb.Settings.ManagementEnabled() {
		subnet, err := b.resolveSubnet(tb)
		if err != nil {
			return nil, model.Resource("network", err)
		}
		topo.setSubnet(subnet)
	}

	rb := &rollback{nl: b.nl, log: b.log}
	for i, n := range tb.Networks {
		if err := ctx.Err(); err != nil {
			rb.run()
			return nil, err
		}
		name := BridgeName(tb.Tag, i)
		bridge, err := b.createBridge(name)
		if err != nil {
			rb.run()
			return nil, model.Resource("network", errors.Wrapf(err, "network [%s]", n.Name))
		}
		rb.bridges = append(rb.bridges, bridge)
		topo.Bridges[n.Name] = name

		for _, port := range n.HostPorts {
			if err := b.attachPort(port, bridge); err != nil {
				rb.run()
				return nil, model.Resource("network", errors.Wrapf(err, "network [%s]", n.Name))
			}
			rb.ports = append(rb.ports, port)
			topo.HostPorts[n.Name] = append(topo.HostPorts[n.Name], port)
		}
		b.log.WithField("network", n.Name).Infof("created switch [%s] with %d host port(s)", name, len(n.HostPorts))
	}

	if topo.Subnet.IsValid() {
		name := ManagementBridgeName(tb.Tag)
		bridge, err := b.createBridge(name)
		if err != nil {
			rb.run()
			return nil, model.Resource("network", errors.Wrap(err, "management switch"))
		}
		rb.bridges = append(rb.bridges, bridge)
		gw := &net.IPNet{IP: net.IP(topo.Gateway.AsSlice()), Mask: net.CIDRMask(topo.Subnet.Bits(), 32)}
		if err := b.nl.AddrAdd(bridge, &netlink.Addr{IPNet: gw}); err != nil {
			rb.run()
			return nil, model.Resource("network", errors.Wrapf(err, "failed to address management switch [%s]", name))
		}
		topo.ManagementBridge = name
		b.log.Infof("created management switch [%s] on %s", name, topo.Subnet)
	}

	return topo, nil
}

func (b *Builder) createBridge(name string) (netlink.Link, error) {
	existing, err := lookup(b.nl, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errors.Wrapf(ErrLinkExists, "bridge [%s]", name)
	}
	attrs := netlink.NewLinkAttrs()
	attrs.Name = name
	if err := b.nl.LinkAdd(&netlink.Bridge{LinkAttrs: attrs}); err != nil {
		return nil, errors.Wrapf(err, "failed to create bridge [%s]", name)
	}
	bridge, err := b.nl.LinkByName(name)
	if err != nil {
		return nil, errors.Wrapf(err, "bridge [%s] vanished after create", name)
	}
	if err := b.nl.LinkSetUp(bridge); err != nil {
		_ = b.nl.LinkDel(bridge)
		return nil, errors.Wrapf(err, "failed to bring up bridge [%s]", name)
	}
	return bridge, nil
}

func (b *Builder) attachPort(port string, bridge netlink.Link) error {
	link, err := lookup(b.nl, port)
	if err != nil {
		return err
	}
	if link == nil {
		return errors.Errorf("host port [%s] does not exist", port)
	}
	if link.Attrs().MasterIndex != 0 && link.Attrs().MasterIndex != bridge.Attrs().Index {
		return errors.Errorf("host port [%s] is already enslaved to another master", port)
	}
	if err := b.nl.LinkSetMaster(link, bridge); err != nil {
		return errors.Wrapf(err, "failed to attach host port [%s]", port)
	}
	if err := b.nl.LinkSetUp(link); err != nil {
		return errors.Wrapf(err, "failed to bring up host port [%s]", port)
	}
	return nil
}

func (b *Builder) resolveSubnet(tb *model.Testbed) (netip.Prefix, error) {
	claimed, err := store.ClaimedSubnets(b.store, tb.Tag)
	if err != nil {
		return netip.Prefix{}, errors.Wrap(err, "unable to read claimed subnets")
	}
	var inUse []netip.Prefix
	for subnet := range claimed {
		if p, err := netip.ParsePrefix(subnet); err == nil {
			inUse = append(inUse, p.Masked())
		}
	}

	if tb.Settings.ManagementSubnet == "" || tb.Settings.ManagementSubnet == model.ManagementAuto {
		addrs, err := b.nl.AddrList(nil, unix.AF_INET)
		if err != nil {
			return netip.Prefix{}, errors.Wrap(err, "unable to probe host addresses")
		}
		for _, addr := range addrs {
			if p, ok := toPrefix(addr.IPNet); ok {
				inUse = append(inUse, p)
			}
		}
		return pickSubnet(b.Pool, inUse)
	}

	requested, err := netip.ParsePrefix(tb.Settings.ManagementSubnet)
	if err != nil {
		return netip.Prefix{}, model.Validation("network", errors.Wrapf(err, "invalid management subnet [%s]", tb.Settings.ManagementSubnet))
	}
	requested = requested.Masked()
	routes, err := b.nl.RouteList(nil, unix.AF_INET)
	if err != nil {
		return netip.Prefix{}, errors.Wrap(err, "unable to read host routes")
	}
	for _, route := range routes {
		if route.Dst == nil {
			continue
		}
		if p, ok := toPrefix(route.Dst); ok && p.Bits() > 0 {
			inUse = append(inUse, p)
		}
	}
	for _, p := range inUse {
		if p.Overlaps(requested) {
			return netip.Prefix{}, errors.Wrapf(ErrSubnetConflict, "%s overlaps %s", requested, p)
		}
	}
	return requested, nil
}

func pickSubnet(pool netip.Prefix, inUse []netip.Prefix) (netip.Prefix, error) {
	candidate := netip.PrefixFrom(pool.Addr(), 24)
	for pool.Contains(candidate.Addr()) {
		free := true
		for _, p := range inUse {
			if p.Overlaps(candidate) {
				free = false
				break
			}
		}
		if free {
			return candidate, nil
		}
		raw := candidate.Addr().As4()
		if raw[2] == 255 {
			if raw[1] == 255 {
				break
			}
			raw[1]++
		}
		raw[2]++
		candidate = netip.PrefixFrom(netip.AddrFrom4(raw), 24)
	}
	return netip.Prefix{}, errors.Wrapf(ErrSubnetExhausted, "pool %s", pool)
}

func toPrefix(ipnet *net.IPNet) (netip.Prefix, bool) {
	if ipnet == nil {
		return netip.Prefix{}, false
	}
	addr, ok := netip.AddrFromSlice(ipnet.IP.To4())
	if !ok {
		return netip.Prefix{}, false
	}
	bits, _ := ipnet.Mask.Size()
	return netip.PrefixFrom(addr, bits).Masked(), true
}

// Teardown removes every switch in the record that still exists, detaching host ports first.
// Released bridges are dropped from the record; failures are marked dangling.
func (b *Builder) Teardown(ctx context.Context, record *store.TestbedRecord) error {
	var errs error
	var remaining []store.BridgeRecord
	for _, bridge := range record.Bridges {
		if err := b.removeBridge(bridge.Name, bridge.HostPorts); err != nil {
			b.log.WithError(err).WithField("network", bridge.Network).Errorf("unable to remove switch [%s]", bridge.Name)
			record.AddDangling("bridge:" + bridge.Name)
			remaining = append(remaining, bridge)
			errs = multierr.Append(errs, err)
			continue
		}
		b.log.WithField("network", bridge.Network).Infof("removed switch [%s]", bridge.Name)
	}
	record.Bridges = remaining

	if record.ManagementBridge != "" {
		if err := b.removeBridge(record.ManagementBridge, nil); err != nil {
			b.log.WithError(err).Errorf("unable to remove management switch [%s]", record.ManagementBridge)
			record.AddDangling("bridge:" + record.ManagementBridge)
			errs = multierr.Append(errs, err)
		} else {
			record.ManagementBridge = ""
		}
	}
	return errs
}

func (b *Builder) removeBridge(name string, ports []string) error {
	bridge, err := lookup(b.nl, name)
	if err != nil {
		return err
	}
	if bridge == nil {
		return nil
	}
	for _, port := range ports {
		link, err := lookup(b.nl, port)
		if err != nil {
			return err
		}
		if link == nil || link.Attrs().MasterIndex != bridge.Attrs().Index {
			continue
		}
		if err := b.nl.LinkSetNoMaster(link); err != nil {
			return errors.Wrapf(err, "failed to detach host port [%s]", port)
		}
	}
	if err := b.nl.LinkDel(bridge); err != nil {
		return errors.Wrapf(err, "failed to delete bridge [%s]", name)
	}
	return nil
}

// CreateTap creates a persistent tap device enslaved to master.
func (b *Builder) CreateTap(name, master string, vnetHdr bool) error {
	existing, err := lookup(b.nl, name)
	if err != nil {
		return err
	}
	if existing != nil {
		return errors.Wrapf(ErrLinkExists, "tap [%s]", name)
	}
	bridge, err := lookup(b.nl, master)
	if err != nil {
		return err
	}
	if bridge == nil {
		return errors.Errorf("switch [%s] does not exist", master)
	}

	attrs := netlink.NewLinkAttrs()
	attrs.Name = name
	flags := netlink.TUNTAP_NO_PI
	if vnetHdr {
		flags |= netlink.TUNTAP_VNET_HDR
	}
	tap := &netlink.Tuntap{LinkAttrs: attrs, Mode: netlink.TUNTAP_MODE_TAP, Flags: flags}
	if err := b.nl.LinkAdd(tap); err != nil {
		return errors.Wrapf(err, "failed to create tap [%s]", name)
	}
	for _, f := range tap.Fds {
		_ = f.Close()
	}
	link, err := b.nl.LinkByName(name)
	if err != nil {
		return errors.Wrapf(err, "tap [%s] vanished after create", name)
	}
	if err := b.nl.LinkSetMaster(link, bridge); err != nil {
		_ = b.nl.LinkDel(link)
		return errors.Wrapf(err, "failed to attach tap [%s] to [%s]", name, master)
	}
	if err := b.nl.LinkSetUp(link); err != nil {
		_ = b.nl.LinkDel(link)
		return errors.Wrapf(err, "failed to bring up tap [%s]", name)
	}
	return nil
}

// DeleteTap removes a tap if it exists.
func (b *Builder) DeleteTap(name string) error {
	link, err := lookup(b.nl, name)
	if err != nil {
		return err
	}
	if link == nil {
		return nil
	}
	return errors.Wrapf(b.nl.LinkDel(link), "failed to delete tap [%s]", name)
}

type rollback struct {
	nl      Netlinker
	log     *logrus.Entry
	bridges []netlink.Link
	ports   []string
}

func (r *rollback) run() {
	for _, port := range r.ports {
		if link, err := lookup(r.nl, port); err == nil && link != nil {
			if err := r.nl.LinkSetNoMaster(link); err != nil {
				r.log.WithError(err).Errorf("rollback: unable to detach host port [%s]", port)
			}
		}
	}
	for i := len(r.bridges) - 1; i >= 0; i-- {
		if err := r.nl.LinkDel(r.bridges[i]); err != nil {
			r.log.WithError(err).Errorf("rollback: unable to delete bridge [%s]", r.bridges[i].Attrs().Name)
		}
	}
}

// Record copies the created switches into the testbed's state record.
func (t *Topology) Record(record *store.TestbedRecord) {
	record.Bridges = nil
	names := make([]string, 0, len(t.Bridges))
	for network := range t.Bridges {
		names = append(names, network)
	}
	sort.Strings(names)
	for _, network := range names {
		record.Bridges = append(record.Bridges, store.BridgeRecord{
			Network:   network,
			Name:      t.Bridges[network],
			HostPorts: t.HostPorts[network],
		})
	}
	record.ManagementBridge = t.ManagementBridge
	if t.Subnet.IsValid() {
		record.ManagementSubnet = t.Subnet.String()
	}
}

// AllocateAddress hands out the next management address, or validates a fixed one.
func (t *Topology) AllocateAddress(instance, fixed string) (netip.Addr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.assigned == nil {
		t.assigned = map[netip.Addr]string{}
	}

	if !t.Subnet.IsValid() {
		if fixed != "" {
			return netip.Addr{}, model.Validationf("network", "instance [%s] declares a management address but the management subnet is disabled", instance)
		}
		return netip.Addr{}, nil
	}

	if fixed != "" {
		addr, err := netip.ParseAddr(fixed)
		if err != nil {
			return netip.Addr{}, model.Validation("network", errors.Wrapf(err, "instance [%s] management address", instance))
		}
		if !t.usable(addr) {
			return netip.Addr{}, model.Resource("network", errors.Wrapf(ErrAddressConflict, "%s is not a usable host address in %s", addr, t.Subnet))
		}
		if owner, taken := t.assigned[addr]; taken && owner != instance {
			return netip.Addr{}, model.Resource("network", errors.Wrapf(ErrAddressConflict, "%s already assigned to [%s]", addr, owner))
		}
		if AddressInUse(addr) {
			return netip.Addr{}, model.Resource("network", errors.Wrapf(ErrAddressConflict, "%s answers on the management subnet", addr))
		}
		t.assigned[addr] = instance
		return addr, nil
	}

	for candidate := t.next; t.usable(candidate); candidate = candidate.Next() {
		if _, taken := t.assigned[candidate]; taken {
			continue
		}
		t.assigned[candidate] = instance
		t.next = candidate.Next()
		return candidate, nil
	}
	return netip.Addr{}, model.Resource("network", errors.Errorf("management subnet %s exhausted", t.Subnet))
}

func (t *Topology) usable(addr netip.Addr) bool {
	if !t.Subnet.Contains(addr) || addr == t.Gateway || addr == t.Subnet.Addr() {
		return false
	}
	raw := addr.As4()
	return raw[3] != 255
}
