package svc

import "errors"

// ErrUnknownSource 错误：配置的价格源没有注册任何 builder
var ErrUnknownSource = errors.New("no feed builder registered for source")

// ErrStorageInitFailed 错误：存储初始化失败
var ErrStorageInitFailed = errors.New("storage initialization failed")
