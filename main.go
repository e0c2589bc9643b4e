package main

import "github.com/ValentinKolb/hyperkv/cmd"

func main() {
	cmd.Execute()
}
