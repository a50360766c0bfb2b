/*
afterq - a framework for after-queue mail content filters.
Copyright © 2023 afterq contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Command afterq is a ready-made content filter driven by a YAML
// configuration file, for deployments that do not need a custom pipeline.
//
// The configuration is read from /etc/afterq.yml, or from the path in the
// AFTERQ_CONFIG environment variable. The envelope is passed by the MTA:
//
//	afterq -f sender -- recipient...
package main

import (
	"os"

	"github.com/afterq/afterq"
	"github.com/afterq/afterq/framework/log"
)

const defaultConfigPath = "/etc/afterq.yml"

func main() {
	path := os.Getenv("AFTERQ_CONFIG")
	if path == "" {
		path = defaultConfigPath
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		log.Println(err)
		os.Exit(afterq.ExitTempFail)
	}
	f, err := cfg.Build()
	if err != nil {
		log.Println(err)
		os.Exit(afterq.ExitTempFail)
	}

	os.Exit(afterq.Run(f))
}
