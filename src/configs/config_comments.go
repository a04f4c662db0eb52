package configs

import "gopkg.in/yaml.v3"

// DecorateConfigNode 将硬编码的中文注释注入到配置节点树中。
func DecorateConfigNode(node *yaml.Node) {
	if node.Kind != yaml.DocumentNode || len(node.Content) == 0 {
		return
	}
	root := node.Content[0]
	if root.Kind != yaml.MappingNode {
		return
	}

	root.HeadComment = `# 这个配置文件内的注释是自动生成的，请不要手动修改。
# 需要修改注释时，请在 src/configs/config_comments.go 文件内修改。`

	setFieldLineComment(root, "app_data_path", "# 数据目录，可被环境变量 TRIPLEDGER_APPDATA 覆盖")
	setFieldLineComment(root, "db_file", "# 相对路径基于 app_data_path")

	setFieldHeadComment(root, "migration", "# 数据库升级配置")
	migrationNode := findNode(root, "migration")
	if migrationNode != nil {
		setFieldComment(migrationNode, "reset_grace_period",
			`# 重置数据库前，关闭连接后等待文件句柄释放的时间
# Windows 上文件句柄释放较慢，不建议设为 0`, "")
		setFieldComment(migrationNode, "max_backup_count", "# 执行 backups prune 时默认保留的备份数量", "")
		setFieldComment(migrationNode, "min_free_space_ratio",
			`# 升级前备份所需的剩余磁盘空间为数据库大小的多少倍
# 剩余空间不足时不会开始升级`, "")
		setFieldComment(migrationNode, "assume_yes",
			`# 无人值守模式：所有对话框自动选择默认按钮
# 默认按钮不会删除数据`, "")
	}

	setFieldHeadComment(root, "sentry", "# Sentry 错误监控配置（用于收集崩溃日志）")
	sentryNode := findNode(root, "sentry")
	if sentryNode != nil {
		setFieldComment(sentryNode, "enable", "# 是否启用 Sentry 错误监控", "")
		setFieldComment(sentryNode, "dsn", "# Sentry DSN，留空则禁用。也可通过环境变量 SENTRY_DSN 设置", "")
		setFieldComment(sentryNode, "environment", "# 环境标识：production 或 development", "")
	}

	metricsNode := findNode(root, "metrics")
	if metricsNode != nil {
		setFieldComment(metricsNode, "textfile", "# node_exporter textfile 采集文件路径，留空不写", "")
	}
}

func findNode(mapNode *yaml.Node, key string) *yaml.Node {
	for i := 0; i < len(mapNode.Content); i += 2 {
		if mapNode.Content[i].Value == key {
			return mapNode.Content[i+1]
		}
	}
	return nil
}

func setFieldComment(mapNode *yaml.Node, key, headComment, lineComment string) {
	for i := 0; i < len(mapNode.Content); i += 2 {
		k := mapNode.Content[i]
		if k.Value == key {
			if headComment != "" {
				k.HeadComment = headComment
			}
			if lineComment != "" {
				k.LineComment = lineComment
			}
			return
		}
	}
}

func setFieldLineComment(mapNode *yaml.Node, key, lineComment string) {
	for i := 0; i < len(mapNode.Content); i += 2 {
		k := mapNode.Content[i]
		if k.Value == key {
			k.LineComment = lineComment
			return
		}
	}
}

func setFieldHeadComment(mapNode *yaml.Node, key, headComment string) {
	for i := 0; i < len(mapNode.Content); i += 2 {
		k := mapNode.Content[i]
		if k.Value == key {
			k.HeadComment = headComment
			return
		}
	}
}
