// Copyright © 2019 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package main

import "github.com/jorge-ivan-jimenez-reyes/odooapp/cmd/odoorelay/commands"

func main() {
	commands.Execute()
}
