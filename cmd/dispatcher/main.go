package main

import "github.com/ramiqadoumi/go-task-service/services/dispatcher/cli"

func main() { cli.Execute() }
