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

package main

import (
	"os"

	"github.com/openziti/vmlab/cmd/vmlab/subcmd"
	"github.com/openziti/vmlab/kernel/model"
	"github.com/pkg/errors"
)

func main() {
	if err := subcmd.RootCmd.Execute(); err != nil {
		var exit *subcmd.ExitError
		if errors.As(err, &exit) {
			os.Exit(exit.Code)
		}
		os.Exit(model.ClassOf(err).ExitCode())
	}
}
