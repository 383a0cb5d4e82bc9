/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
#
# The Initial Developer of the Original Code is the Mozilla Foundation.
# Portions created by the Initial Developer are Copyright (C) 2013
# the Initial Developer. All Rights Reserved.
#
# ***** END LICENSE BLOCK *****/

package lua

import "os"

// writeFileImpl and readFileImpl are the only two points this package
// touches the real filesystem, isolated so tests can swap them out without
// needing a scratch directory.
func writeFileImpl(path, data string) error {
	return os.WriteFile(path, []byte(data), 0644)
}

func readFileImpl(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
