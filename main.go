/*
Copyright 2025 David Arnold
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"errors"
	"os"

	log "github.com/sirupsen/logrus"

	"gitlab.com/davidxarnold/nodescaler/pkg/cmd"
	"gitlab.com/davidxarnold/nodescaler/pkg/core"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		var fatal *core.FatalStartupError
		if errors.As(err, &fatal) {
			log.WithFields(log.Fields{"event": "startup_failed", "stage": fatal.Stage}).Error(fatal.Err)
		} else {
			log.Error(err)
		}
		os.Exit(1)
	}
}
