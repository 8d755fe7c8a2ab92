package main

import "github.com/lexcodex/auditia/app/cmd"

func main() {
	cmd.Execute()
}
