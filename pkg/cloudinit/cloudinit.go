// Copyright 2024 Alexandre Mahdhaoui
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

// Package cloudinit renders the #cloud-config user-data handed to freshly
// cloned guests. maillab only relies on cloud-init for the machine identity
// (hostname) and SSH access; everything mail-related happens later in the
// bootstrap, over SSH.
package cloudinit

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

type User struct {
	Name              string   `json:"name"`
	Sudo              string   `json:"sudo"`
	Shell             string   `json:"shell"`
	HomeDir           string   `json:"homedir,omitempty"`
	SSHAuthorizedKeys []string `json:"ssh_authorized_keys"`
}

func NewUser(name string, publicKeyPathList ...string) (User, error) {
	authorizedKeys := make([]string, 0, len(publicKeyPathList))
	for _, path := range publicKeyPathList {
		b, err := os.ReadFile(path)
		if err != nil {
			return User{}, fmt.Errorf("failed to read public key file: %w", err)
		}
		authorizedKeys = append(authorizedKeys, string(b))
	}
	return NewUserWithAuthorizedKeys(name, authorizedKeys), nil
}

func NewUserWithAuthorizedKeys(name string, authorizedKeys []string) User {
	return User{
		Name:              name,
		Sudo:              "ALL=(ALL) NOPASSWD:ALL",
		Shell:             "/bin/bash",
		SSHAuthorizedKeys: authorizedKeys,
	}
}

type WriteFile struct {
	Path        string `json:"path"`
	Permissions string `json:"permissions,omitempty"`
	Content     string `json:"content"`
}

type UserData struct {
	Hostname      string      `json:"hostname"`
	FQDN          string      `json:"fqdn,omitempty"`
	PackageUpdate bool        `json:"package_update,omitempty"`
	Packages      []string    `json:"packages,omitempty"`
	Users         []User      `json:"users"`
	WriteFiles    []WriteFile `json:"write_files,omitempty"`
	RunCommands   []string    `json:"runcmd,omitempty"`
}

func (ud UserData) Render() (string, error) {
	b, err := yaml.Marshal(ud)
	if err != nil {
		return "", fmt.Errorf("cannot render cloud-config from UserData: %w", err)
	}
	return fmt.Sprintf("#cloud-config\n%s", string(b)), nil
}
