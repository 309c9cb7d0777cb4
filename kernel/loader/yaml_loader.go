package loader

import (
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/openziti/vmlab/kernel/model"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// DeclarationFile is looked up when Load is given a package directory.
const DeclarationFile = "testbed.yml"

type TestbedYaml struct {
	Tag          string            `yaml:"tag"`
	Settings     SettingsYaml      `yaml:"settings"`
	Networks     []NetworkYaml     `yaml:"networks"`
	Instances    []InstanceYaml    `yaml:"instances"`
	Integrations []IntegrationYaml `yaml:"integrations"`
}

type SettingsYaml struct {
	ManagementSubnet  string         `yaml:"management_subnet"`
	DiskimageBasepath string         `yaml:"diskimage_basepath"`
	PhaseTimeouts     map[string]any `yaml:"phase_timeouts"`
	ClockTolerance    any            `yaml:"clock_tolerance"`
	StartLead         any            `yaml:"start_lead"`
	FileServerPort    int            `yaml:"file_server_port"`
}

type NetworkYaml struct {
	Name      string   `yaml:"name"`
	HostPorts []string `yaml:"host_ports"`
}

type InstanceYaml struct {
	Name              string            `yaml:"name"`
	Image             string            `yaml:"image"`
	Cores             int               `yaml:"cores"`
	Memory            int               `yaml:"memory"`
	Networks          []AttachmentYaml  `yaml:"networks"`
	ManagementAddress string            `yaml:"management_address"`
	SetupScript       string            `yaml:"setup_script"`
	Setup             string            `yaml:"setup"`
	SetupTimeout      any               `yaml:"setup_timeout"`
	Environment       map[string]string `yaml:"environment"`
	Applications      []ApplicationYaml `yaml:"applications"`
	PreserveFiles     []string          `yaml:"preserve_files"`
}

// AttachmentYaml accepts either a bare network name or a mapping.
type AttachmentYaml struct {
	Name     string `yaml:"name"`
	MAC      string `yaml:"mac"`
	Model    string `yaml:"model"`
	ZeroCopy bool   `yaml:"zero_copy"`
}

func (a *AttachmentYaml) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var name string
	if err := unmarshal(&name); err == nil {
		a.Name = name
		return nil
	}
	type plain AttachmentYaml
	return unmarshal((*plain)(a))
}

type ApplicationYaml struct {
	Name      string           `yaml:"name"`
	Type      string           `yaml:"type"`
	Delay     any              `yaml:"delay"`
	Runtime   any              `yaml:"runtime"`
	Depends   []DependencyYaml `yaml:"depends"`
	DontStore bool             `yaml:"dont_store"`
	Settings  map[string]any   `yaml:"settings"`
}

// DependencyYaml accepts "event:instance/app" or a mapping.
type DependencyYaml struct {
	Event       string `yaml:"event"`
	Instance    string `yaml:"instance"`
	Application string `yaml:"application"`
}

func (d *DependencyYaml) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var short string
	if err := unmarshal(&short); err == nil {
		event, target, found := strings.Cut(short, ":")
		instance, app, slash := strings.Cut(target, "/")
		if !found || !slash {
			return errors.Errorf("dependency [%s] must look like event:instance/application", short)
		}
		d.Event, d.Instance, d.Application = event, instance, app
		return nil
	}
	type plain DependencyYaml
	return unmarshal((*plain)(d))
}

type IntegrationYaml struct {
	Name            string            `yaml:"name"`
	Type            string            `yaml:"type"`
	Mode            string            `yaml:"mode"`
	InvokeAfter     string            `yaml:"invoke_after"`
	WaitAfterInvoke any               `yaml:"wait_after_invoke"`
	StartDelay      any               `yaml:"start_delay"`
	Environment     map[string]string `yaml:"environment"`
	Settings        map[string]any    `yaml:"settings"`
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Loader turns a testbed package into a validated model.Testbed.
type Loader struct {
	// Lookup resolves {{VAR}} placeholders; os.LookupEnv when nil.
	Lookup           func(string) (string, bool)
	SkipSubstitution bool
}

// Load reads a declaration file, or DeclarationFile inside a package directory.
func Load(path string) (*model.Testbed, *model.Resolver, error) {
	return (&Loader{}).Load(path)
}

func (l *Loader) Load(path string) (*model.Testbed, *model.Resolver, error) {
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		path = filepath.Join(path, DeclarationFile)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, model.Validation("loader", errors.Wrapf(err, "unable to read declaration"))
	}
	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, nil, model.Validation("loader", err)
	}

	resolver := model.NewResolver()
	if err := LoadDescriptors(filepath.Join(dir, "apps"), resolver); err != nil {
		return nil, nil, model.Validation("loader", err)
	}
	if err := LoadIntegrationDescriptors(filepath.Join(dir, "integrations"), resolver); err != nil {
		return nil, nil, model.Validation("loader", err)
	}
	tb, err := l.Parse(data, dir, resolver)
	if err != nil {
		return nil, nil, err
	}
	return tb, resolver, nil
}

// Parse substitutes placeholders, decodes and validates a declaration. dir is the package root
// that relative paths are resolved against.
func (l *Loader) Parse(data []byte, dir string, resolver *model.Resolver) (*model.Testbed, error) {
	if !l.SkipSubstitution {
		substituted, err := l.substitute(string(data))
		if err != nil {
			return nil, model.Validation("loader", err)
		}
		data = []byte(substituted)
	}

	decl := &TestbedYaml{}
	if err := yaml.UnmarshalStrict(data, decl); err != nil {
		return nil, model.Validation("loader", errors.Wrap(err, "unable to parse declaration"))
	}
	tb, err := decl.toModel(dir, resolver)
	if err != nil {
		return nil, model.Validation("loader", err)
	}
	return tb, nil
}

func (l *Loader) substitute(text string) (string, error) {
	lookup := l.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	missing := map[string]bool{}
	out := placeholder.ReplaceAllStringFunc(text, func(match string) string {
		name := placeholder.FindStringSubmatch(match)[1]
		value, found := lookup(name)
		if !found {
			missing[name] = true
			return match
		}
		return value
	})
	if len(missing) > 0 {
		var names []string
		for name := range missing {
			names = append(names, "{{"+name+"}}")
		}
		sort.Strings(names)
		return "", errors.Errorf("unset placeholder variables %s", strings.Join(names, ", "))
	}
	return out, nil
}

var macPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)

func (d *TestbedYaml) toModel(dir string, resolver *model.Resolver) (*model.Testbed, error) {
	tb := &model.Testbed{Tag: d.Tag, Dir: dir}
	if strings.ContainsAny(d.Tag, `/\ `) {
		return nil, errors.Errorf("invalid tag [%s]", d.Tag)
	}

	settings, err := d.Settings.toModel()
	if err != nil {
		return nil, err
	}
	tb.Settings = settings

	ports := map[string]string{}
	for _, n := range d.Networks {
		if n.Name == "" {
			return nil, errors.New("network without a name")
		}
		if tb.Network(n.Name) != nil {
			return nil, errors.Errorf("network [%s] declared twice", n.Name)
		}
		for _, port := range n.HostPorts {
			if other, dup := ports[port]; dup {
				return nil, errors.Errorf("host port [%s] attached to both [%s] and [%s]", port, other, n.Name)
			}
			ports[port] = n.Name
		}
		tb.Networks = append(tb.Networks, &model.Network{Name: n.Name, HostPorts: n.HostPorts})
	}

	imageBase := dir
	if d.Settings.DiskimageBasepath != "" {
		imageBase = resolvePath(dir, d.Settings.DiskimageBasepath)
	}
	for idx := range d.Instances {
		inst, err := d.Instances[idx].toModel(tb, dir, imageBase, resolver)
		if err != nil {
			return nil, err
		}
		tb.Instances = append(tb.Instances, inst)
	}

	for _, i := range d.Integrations {
		integration, err := i.toModel(resolver)
		if err != nil {
			return nil, err
		}
		for _, existing := range tb.Integrations {
			if existing.Name == integration.Name {
				return nil, errors.Errorf("integration [%s] declared twice", integration.Name)
			}
		}
		tb.Integrations = append(tb.Integrations, integration)
	}
	return tb, nil
}

func (s SettingsYaml) toModel() (model.Settings, error) {
	out := model.Settings{ManagementSubnet: s.ManagementSubnet}
	switch s.ManagementSubnet {
	case "":
		out.ManagementSubnet = model.ManagementAuto
	case model.ManagementAuto, model.ManagementDisabled:
	default:
		prefix, err := netip.ParsePrefix(s.ManagementSubnet)
		if err != nil || !prefix.Addr().Is4() {
			return out, errors.Errorf("management_subnet must be auto, disabled or an IPv4 CIDR, got [%s]", s.ManagementSubnet)
		}
		if prefix.Bits() > 29 {
			return out, errors.Errorf("management_subnet [%s] is too small", s.ManagementSubnet)
		}
		out.ManagementSubnet = prefix.Masked().String()
	}

	if len(s.PhaseTimeouts) > 0 {
		out.PhaseTimeouts = map[model.Phase]time.Duration{}
		for name, v := range s.PhaseTimeouts {
			phase, err := model.ParsePhase(name)
			if err != nil || phase.IsTerminal() {
				return out, errors.Errorf("phase_timeouts: unknown phase [%s]", name)
			}
			d, err := model.ParseDuration(v)
			if err != nil {
				return out, errors.Wrapf(err, "phase_timeouts.%s", name)
			}
			out.PhaseTimeouts[phase] = d
		}
	}
	var err error
	if out.ClockTolerance, err = optionalDuration(s.ClockTolerance, "clock_tolerance"); err != nil {
		return out, err
	}
	if out.StartLead, err = optionalDuration(s.StartLead, "start_lead"); err != nil {
		return out, err
	}
	if s.FileServerPort < 0 || s.FileServerPort > 65535 {
		return out, errors.Errorf("file_server_port [%d] is not a port", s.FileServerPort)
	}
	if s.FileServerPort > 0 && out.ManagementSubnet == model.ManagementDisabled {
		return out, errors.New("file_server_port needs the management network")
	}
	out.FileServerPort = s.FileServerPort
	return out, nil
}

func (i *InstanceYaml) toModel(tb *model.Testbed, dir, imageBase string, resolver *model.Resolver) (*model.Instance, error) {
	if i.Name == "" {
		return nil, errors.New("instance without a name")
	}
	if tb.Instance(i.Name) != nil {
		return nil, errors.Errorf("instance [%s] declared twice", i.Name)
	}
	if i.Image == "" {
		return nil, errors.Errorf("instance [%s] has no image", i.Name)
	}
	if i.Cores < 0 || i.Memory < 0 {
		return nil, errors.Errorf("instance [%s] has negative resources", i.Name)
	}
	if len(i.Networks) > model.MaxAttachments {
		return nil, errors.Errorf("instance [%s] attaches %d networks, at most %d are supported", i.Name, len(i.Networks), model.MaxAttachments)
	}
	inst := &model.Instance{
		Name:              i.Name,
		Image:             resolvePath(imageBase, i.Image),
		Cores:             i.Cores,
		MemoryMB:          i.Memory,
		ManagementAddress: i.ManagementAddress,
		Preserve:          i.PreserveFiles,
	}

	if i.ManagementAddress != "" {
		if !tb.Settings.ManagementEnabled() {
			return nil, errors.Errorf("instance [%s] fixes a management address but the management network is disabled", i.Name)
		}
		if _, err := netip.ParseAddr(i.ManagementAddress); err != nil {
			return nil, errors.Errorf("instance [%s] has invalid management_address [%s]", i.Name, i.ManagementAddress)
		}
	}

	for idx, n := range i.Networks {
		if tb.Network(n.Name) == nil {
			return nil, errors.Errorf("instance [%s] attaches unknown network [%s]", i.Name, n.Name)
		}
		if n.MAC != "" && !macPattern.MatchString(n.MAC) {
			return nil, errors.Errorf("instance [%s] %s: invalid MAC [%s]", i.Name, model.InterfaceName(idx), n.MAC)
		}
		inst.Attachments = append(inst.Attachments, &model.Attachment{Network: n.Name, MAC: strings.ToLower(n.MAC), Model: n.Model, ZeroCopy: n.ZeroCopy})
	}

	if i.SetupScript != "" && i.Setup != "" {
		return nil, errors.Errorf("instance [%s] declares both setup and setup_script", i.Name)
	}
	script := i.Setup
	if i.SetupScript != "" {
		path := resolvePath(dir, i.SetupScript)
		if rel, err := filepath.Rel(dir, path); err != nil || strings.HasPrefix(rel, "..") {
			return nil, errors.Errorf("instance [%s] setup_script [%s] is outside the testbed package", i.Name, i.SetupScript)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "instance [%s] setup_script", i.Name)
		}
		script = string(data)
	}
	if script != "" {
		timeout, err := optionalDuration(i.SetupTimeout, "setup_timeout")
		if err != nil {
			return nil, errors.Wrapf(err, "instance [%s]", i.Name)
		}
		inst.Setup = &model.SetupScript{Script: script, Env: i.Environment, Timeout: timeout}
	}

	for _, a := range i.Applications {
		app, err := a.toModel(i.Name, resolver)
		if err != nil {
			return nil, err
		}
		for _, existing := range inst.Applications {
			if existing.Name == app.Name {
				return nil, errors.Errorf("application [%s] declared twice", app.Key())
			}
		}
		inst.Applications = append(inst.Applications, app)
	}
	return inst, nil
}

func (a *ApplicationYaml) toModel(instance string, resolver *model.Resolver) (*model.Application, error) {
	if a.Name == "" {
		return nil, errors.Errorf("application without a name on instance [%s]", instance)
	}
	app := &model.Application{
		Type:     a.Type,
		Name:     a.Name,
		Instance: instance,
		Store:    !a.DontStore,
		Settings: a.Settings,
	}
	if app.Settings == nil {
		app.Settings = map[string]any{}
	}
	var err error
	if app.Delay, err = optionalDuration(a.Delay, "delay"); err != nil {
		return nil, errors.Wrapf(err, "application [%s]", app.Key())
	}
	if app.Delay < 0 {
		return nil, errors.Errorf("application [%s] has a negative delay", app.Key())
	}
	if a.Runtime != nil {
		runtime, err := model.ParseDuration(a.Runtime)
		if err != nil {
			return nil, errors.Wrapf(err, "application [%s] runtime", app.Key())
		}
		if runtime <= 0 {
			return nil, errors.Errorf("application [%s] runtime must be positive, or null for a daemon", app.Key())
		}
		app.Runtime = &runtime
	}
	for _, dep := range a.Depends {
		kind := model.EventKind(dep.Event)
		if kind != model.EventStarted && kind != model.EventFinished {
			return nil, errors.Errorf("application [%s] depends on unknown event [%s]", app.Key(), dep.Event)
		}
		target := dep.Instance
		if target == "" {
			target = instance
		}
		app.Depends = append(app.Depends, model.Dependency{Event: kind, Instance: target, Application: dep.Application})
	}
	if _, err := resolver.Configured(app); err != nil {
		return nil, err
	}
	return app, nil
}

func (i *IntegrationYaml) toModel(resolver *model.Resolver) (*model.Integration, error) {
	if i.Mode != "" {
		return nil, errors.Errorf("integration [%s] uses the legacy 'mode: %s' form; declare 'type:' with 'settings:' instead", i.Name, i.Mode)
	}
	if i.Name == "" {
		return nil, errors.New("integration without a name")
	}
	phase := model.PhaseStartup
	if i.InvokeAfter != "" {
		p, err := model.ParsePhase(i.InvokeAfter)
		if err != nil {
			return nil, errors.Wrapf(err, "integration [%s]", i.Name)
		}
		phase = p
	}
	if !phase.IsIntegrationPhase() {
		return nil, errors.Errorf("integration [%s] invoke_after must be startup, network or init, got [%s]", i.Name, i.InvokeAfter)
	}
	wait, err := optionalDuration(i.WaitAfterInvoke, "wait_after_invoke")
	if err != nil {
		return nil, errors.Wrapf(err, "integration [%s]", i.Name)
	}
	delay, err := optionalDuration(i.StartDelay, "start_delay")
	if err != nil {
		return nil, errors.Wrapf(err, "integration [%s]", i.Name)
	}
	integration := &model.Integration{
		Type:       i.Type,
		Name:       i.Name,
		Phase:      phase,
		Env:        i.Environment,
		Wait:       wait,
		StartDelay: delay,
		Settings:   i.Settings,
	}
	if _, err := resolver.ConfiguredIntegration(integration); err != nil {
		return nil, err
	}
	return integration, nil
}

func optionalDuration(v any, field string) (time.Duration, error) {
	if v == nil {
		return 0, nil
	}
	d, err := model.ParseDuration(v)
	if err != nil {
		return 0, errors.Wrap(err, field)
	}
	return d, nil
}

func resolvePath(base, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(base, path)
}
