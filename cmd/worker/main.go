package main

import "github.com/ramiqadoumi/go-task-service/services/worker/cli"

func main() { cli.Execute() }
