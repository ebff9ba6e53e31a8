// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package scheduler

import _ "embed"

//go:embed launcher.sh
var launcherScript string
