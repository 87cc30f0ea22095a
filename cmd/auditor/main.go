package main

import "github.com/ramiqadoumi/go-task-service/services/auditor/cli"

func main() { cli.Execute() }
