package runner

var GroupAlive = groupAlive
