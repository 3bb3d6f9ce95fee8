// Copyright 2023 Tetrate
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

const (
	flagMode       = "mode"
	flagListen     = "listen"
	flagOutputFile = "output-file"

	modeTerminal = "terminal"
	modeWeb      = "web"

	defaultListen = "127.0.0.1:7001"
)

// flags is a function instead of a var to avoid unit tests tainting
// each-other (cli.Flag contains state).
func flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  flagMode,
			Value: modeTerminal,
			Usage: fmt.Sprintf("Run mode: %q analyzes one image, %q serves the JSON API.", modeTerminal, modeWeb),
		},
		&cli.StringFlag{
			Name:  flagListen,
			Value: defaultListen,
			Usage: fmt.Sprintf("Address the JSON API listens on in [%s] mode.", flagMode),
		},
		&cli.StringFlag{
			Name: flagOutputFile,
			Usage: "Write the analysis as JSON to this path and gate on the configured thresholds. " +
				"Setting CI=true does the same, writing to stdout.",
		},
	}
}

func validateMode(mode string) error {
	if mode != modeTerminal && mode != modeWeb {
		return &validationError{fmt.Sprintf("invalid [%s] flag: %q", flagMode, mode)}
	}
	return nil
}
