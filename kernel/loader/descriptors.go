package loader

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openziti/vmlab/kernel/model"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// DescriptorYaml declares an Application type provided by the testbed package, in
// apps/<type>.yml.
type DescriptorYaml struct {
	Command      any               `yaml:"command"`
	Env          map[string]string `yaml:"env"`
	ReadyPattern string            `yaml:"ready_pattern"`
}

// IntegrationDescriptorYaml declares an Integration type provided by the testbed package, in
// integrations/<type>.yml.
type IntegrationDescriptorYaml struct {
	Start        any  `yaml:"start"`
	Stop         any  `yaml:"stop"`
	Await        bool `yaml:"await"`
	AwaitTimeout any  `yaml:"await_timeout"`
}

// LoadDescriptors registers every apps/<type>.yml descriptor in dir with the package registry of
// resolver. A missing directory registers nothing. Descriptors cannot shadow bundled types.
func LoadDescriptors(dir string, resolver *model.Resolver) error {
	return eachDescriptor(dir, "application", func(typeName, file string, data []byte) error {
		if _, err := resolver.Resolve(typeName); err == nil {
			return errors.Errorf("application descriptor [%s] shadows an existing type", file)
		}
		desc := &DescriptorYaml{}
		if err := yaml.UnmarshalStrict(data, desc); err != nil {
			return errors.Wrapf(err, "unable to parse descriptor [%s]", file)
		}
		command := model.SettingArgv(map[string]any{"command": desc.Command}, "command")
		if len(command) == 0 {
			return errors.Errorf("descriptor [%s] has no command", file)
		}
		resolver.Package.Register(typeName, func() model.ApplicationType {
			return &model.DescriptorApp{
				TypeName:     typeName,
				Command:      command,
				Env:          desc.Env,
				ReadyPattern: desc.ReadyPattern,
			}
		})
		return nil
	})
}

// LoadIntegrationDescriptors registers every integrations/<type>.yml descriptor in dir with the
// package integration registry of resolver, under the same rules as LoadDescriptors.
func LoadIntegrationDescriptors(dir string, resolver *model.Resolver) error {
	return eachDescriptor(dir, "integration", func(typeName, file string, data []byte) error {
		if _, err := resolver.ResolveIntegration(typeName); err == nil {
			return errors.Errorf("integration descriptor [%s] shadows an existing type", file)
		}
		desc := &IntegrationDescriptorYaml{}
		if err := yaml.UnmarshalStrict(data, desc); err != nil {
			return errors.Wrapf(err, "unable to parse descriptor [%s]", file)
		}
		start := model.SettingArgv(map[string]any{"start": desc.Start}, "start")
		if len(start) == 0 {
			return errors.Errorf("descriptor [%s] has no start command", file)
		}
		stop := model.SettingArgv(map[string]any{"stop": desc.Stop}, "stop")
		timeout := time.Minute
		if desc.AwaitTimeout != nil {
			d, err := model.ParseDuration(desc.AwaitTimeout)
			if err != nil {
				return errors.Wrapf(err, "descriptor [%s] await_timeout", file)
			}
			timeout = d
		}
		resolver.PackageIntegrations.Register(typeName, func() model.IntegrationType {
			return &model.DescriptorIntegration{
				TypeName:     typeName,
				Start:        start,
				Stop:         stop,
				AwaitExit:    desc.Await,
				AwaitTimeout: timeout,
			}
		})
		return nil
	})
}

func eachDescriptor(dir, kind string, f func(typeName, file string, data []byte) error) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "unable to read %s descriptors in [%s]", kind, dir)
	}
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yml" && ext != ".yaml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return errors.Wrapf(err, "unable to read descriptor [%s]", entry.Name())
		}
		if err := f(strings.TrimSuffix(entry.Name(), ext), entry.Name(), data); err != nil {
			return err
		}
	}
	return nil
}
