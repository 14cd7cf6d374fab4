/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of tiercache.
 *
 * tiercache is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * tiercache is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package tools

import (
	"github.com/IrineSistiana/tiercache/coremain"
	"github.com/spf13/cobra"
)

func init() {
	probeCmd := &cobra.Command{
		Use:   "probe",
		Short: "Talk to and test a line server.",
	}
	probeCmd.AddCommand(
		newGetCmd(),
		newSetCmd(),
		newDelCmd(),
		newIdleTimeoutCmd(),
		newBenchCmd(),
	)
	coremain.AddSubCmd(probeCmd)

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Tools that can generate/convert/check tiercache config file.",
	}
	configCmd.AddCommand(newGenCmd(), newConvCmd(), newCheckCmd())
	coremain.AddSubCmd(configCmd)
}
