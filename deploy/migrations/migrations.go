package migrations

import "embed"

// Files 暴露所有 SQL 迁移文件：0001 为账本，0002 为发放记录，0003 为运维账号，0004 为签名摘要唯一索引。
//
//go:embed *.sql
var Files embed.FS
