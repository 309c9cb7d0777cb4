/*
	(c) Copyright NetFoundry Inc. Inc.

	Licensed under the Apache License, Version 2.0 (the "License");
	you may not use this file except in compliance with the License.
	You may obtain a copy of the License at

	https://www.apache.org/licenses/LICENSE-2.0

	Unless required by applicable law or agreed to in writing, software
	distributed under the License is distributed on an "AS IS" BASIS,
	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
	See the License for the specific language governing permissions and
	limitations under the License.
*/

package subcmd

import (
	"context"
	"fmt"
	"os"

	"github.com/michaelquigley/pfxlog"
	"github.com/openziti/vmlab/kernel/results"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(NewExportCommand())
}

func NewExportCommand() *cobra.Command {
	exportCmd := &ExportCommand{}

	cmd := &cobra.Command{
		Use:   "export <tag>",
		Short: "Archive the results of a testbed, optionally uploading them to S3",
		Args:  cobra.ExactArgs(1),
		RunE:  exportCmd.export,
	}

	cmd.Flags().StringVarP(&exportCmd.Output, "output", "o", ".", "directory to write <tag>.tar.gz to")
	cmd.Flags().StringVar(&exportCmd.S3.Bucket, "s3-bucket", "", "upload the archive to this bucket")
	cmd.Flags().StringVar(&exportCmd.S3.Key, "s3-key", "", "object key (default <tag>.tar.gz)")
	cmd.Flags().StringVar(&exportCmd.S3.Region, "s3-region", "us-east-1", "bucket region")
	cmd.Flags().StringVar(&exportCmd.S3.Endpoint, "s3-endpoint", "", "endpoint of an S3 compatible store")

	return cmd
}

type ExportCommand struct {
	Output string
	S3     results.S3Target
}

func (e *ExportCommand) export(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tag := args[0]
	if _, err := os.Stat(cfg.TestbedResultsDir(tag)); err != nil {
		return errors.Wrapf(err, "no results for [%s]", tag)
	}
	path, err := results.Export(cfg, tag, e.Output)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)

	if e.S3.Bucket == "" {
		return nil
	}
	e.S3.AccessKey = os.Getenv("AWS_ACCESS_KEY_ID")
	e.S3.SecretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	location, err := results.Upload(context.Background(), path, e.S3, pfxlog.Logger().Entry)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), location)
	return nil
}
