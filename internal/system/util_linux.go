// Coriolis COW engine
// Copyright (C) 2026 Cloudbase Solutions SRL
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package system

import (
	"os"
	"strings"

	"github.com/pkg/errors"
)

const osReleasePath = "/etc/os-release"

type OSDetails struct {
	Name    string
	Version string
}

// FetchOSDetails returns the distribution id and version from
// os-release(5).
func FetchOSDetails() (OSDetails, error) {
	data, err := os.ReadFile(osReleasePath)
	if err != nil {
		return OSDetails{}, errors.Wrapf(err, "reading %s", osReleasePath)
	}
	return parseOSRelease(data), nil
}

func parseOSRelease(data []byte) OSDetails {
	var details OSDetails
	for _, line := range strings.Split(string(data), "\n") {
		key, val, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		val = strings.Trim(val, "\"")
		switch key {
		case "ID":
			details.Name = val
		case "VERSION_ID":
			details.Version = val
		}
	}
	return details
}
